package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions     = []byte("sessions")
	bucketSensorEvents = []byte("sensor_events")
)

// sensorEventCap bounds the sensor event ring. Sensor churn can be orders of
// magnitude more frequent than update sessions, so only the tail is kept.
const sensorEventCap = 1024

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketSensorEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// seqKey encodes a bucket sequence number as a sortable big-endian key, so
// cursor iteration yields insertion order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BoltStore) RecordSession(rec SessionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListSessions() ([]SessionRecord, error) {
	var out []SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		out = make([]SessionRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListSessionsByEID(eid uint8) ([]SessionRecord, error) {
	all, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var out []SessionRecord
	for _, rec := range all {
		if rec.EID == eid {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sessions for eid %d: %w", eid, ErrNotFound)
	}
	return out, nil
}

func (s *BoltStore) RecordSensorEvent(rec SensorEventRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensorEvents)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSensorEvents)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		// Evict the oldest entries past the cap. Bucket stats lag within a
		// write transaction, so count keys directly.
		var count int
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		for k, _ := c.First(); k != nil && count > sensorEventCap; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
			count--
		}
		return nil
	})
}

func (s *BoltStore) ListSensorEvents() ([]SensorEventRecord, error) {
	var out []SensorEventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensorEvents)
		if b == nil {
			return nil
		}
		out = make([]SensorEventRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec SensorEventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
