// Package pdr provides a minimal in-memory view over a Platform Descriptor
// Record repository, sufficient to drive the state-sensor event bridge. A
// full DSP0248 binary PDR parser is the natural extension point if this
// grows; records here are loaded from daemon configuration instead.
package pdr

import (
	"encoding/binary"
	"fmt"
)

// Record is one typed PDR entry: the record kind plus its raw bytes.
type Record struct {
	Type uint8
	Data []byte
}

// Repo holds PDR records in insertion order.
type Repo struct {
	records []Record
}

// NewRepo creates a Repo from the given records.
func NewRepo(records []Record) *Repo {
	return &Repo{records: records}
}

// Add appends a record.
func (r *Repo) Add(rec Record) {
	r.records = append(r.records, rec)
}

// GetByType returns all records of the given PDR type, in insertion order.
func (r *Repo) GetByType(t uint8) []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out
}

// Len reports the total record count.
func (r *Repo) Len() int {
	return len(r.records)
}

// sensorIDOffset is where the little-endian 16-bit sensor id sits inside a
// state sensor PDR record body as this daemon stores it.
const sensorIDOffset = 0

// StateSensorID extracts the sensor id from a STATE_SENSOR_PDR record.
func StateSensorID(rec Record) (uint16, error) {
	if len(rec.Data) < sensorIDOffset+2 {
		return 0, fmt.Errorf("pdr: record too short for sensor id: %d bytes", len(rec.Data))
	}
	return binary.LittleEndian.Uint16(rec.Data[sensorIDOffset:]), nil
}

// StateSensorRecord builds a STATE_SENSOR_PDR record carrying sensorID, for
// config-driven repositories and tests.
func StateSensorRecord(pdrType uint8, sensorID uint16) Record {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, sensorID)
	return Record{Type: pdrType, Data: data}
}
