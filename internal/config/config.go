// Package config loads the daemon's YAML configuration: target endpoints
// with their firmware-update material, the SSEB sensor maps, transport and
// surface settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pldmd/internal/fwupdate"
	"pldmd/internal/pdr"
	"pldmd/internal/pldm"
	"pldmd/internal/sseb"
)

// Config is the top-level daemon configuration.
type Config struct {
	Transport struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"transport"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	History struct {
		Path string `yaml:"path"`
	} `yaml:"history"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	UpdateTimeoutSeconds int    `yaml:"update_timeout_seconds"`
	MaxTransferSize      uint32 `yaml:"max_transfer_size"`

	Endpoints []Endpoint `yaml:"endpoints"`
	Sensors   []Sensor   `yaml:"sensors"`

	SensorEventEID uint8 `yaml:"sensor_event_eid"`
}

// Endpoint describes one firmware-update target and its package material.
type Endpoint struct {
	EID         uint8  `yaml:"eid"`
	PackagePath string `yaml:"package_path"`

	ComponentImageSetVersion string      `yaml:"component_image_set_version"`
	PackageData              string      `yaml:"package_data"` // opaque, passed to the device verbatim
	ApplicableComponents     []int       `yaml:"applicable_components"`
	Components               []Component `yaml:"components"`
}

// Component is one row of an endpoint's component image table.
type Component struct {
	Classification  uint16 `yaml:"classification"`
	Identifier      uint16 `yaml:"identifier"`
	ComparisonStamp uint32 `yaml:"comparison_stamp"`
	Options         uint32 `yaml:"options"`
	Offset          uint32 `yaml:"offset"`
	Size            uint32 `yaml:"size"`
	Version         string `yaml:"version"`

	ClassificationIndex uint8 `yaml:"classification_index"`
}

// Sensor describes the dbus-map for one state sensor.
type Sensor struct {
	SensorID uint16    `yaml:"sensor_id"`
	Mappings []Mapping `yaml:"mappings"`
}

// Mapping binds one composite sensor offset to a bus property and its value
// table. Mappings are listed in offset order.
type Mapping struct {
	ObjectPath   string  `yaml:"object_path"`
	Interface    string  `yaml:"interface"`
	Property     string  `yaml:"property"`
	PropertyType string  `yaml:"property_type"`
	Values       []Value `yaml:"values"`
}

// Value is one (state, property value) pair, in declaration order.
type Value struct {
	State uint8       `yaml:"state"`
	Value interface{} `yaml:"value"`
}

// Load reads and validates the configuration at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.History.Path == "" {
		c.History.Path = "pldmd.db"
	}
	if c.Transport.Baud == 0 {
		c.Transport.Baud = 115200
	}
	if c.UpdateTimeoutSeconds == 0 {
		c.UpdateTimeoutSeconds = 60
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = 512
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "pldmd"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "pldmd"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.MaxTransferSize < pldm.BaselineTransferSize {
		return fmt.Errorf("max_transfer_size must be at least %d, got %d", pldm.BaselineTransferSize, c.MaxTransferSize)
	}
	seen := make(map[uint8]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if seen[ep.EID] {
			return fmt.Errorf("endpoints[%d]: duplicate eid %d", i, ep.EID)
		}
		seen[ep.EID] = true
		if ep.PackagePath == "" {
			return fmt.Errorf("endpoints[%d]: package_path is required", i)
		}
		if len(ep.ApplicableComponents) == 0 {
			return fmt.Errorf("endpoints[%d]: applicable_components must not be empty", i)
		}
		for _, idx := range ep.ApplicableComponents {
			if idx < 0 || idx >= len(ep.Components) {
				return fmt.Errorf("endpoints[%d]: applicable component index %d out of range", i, idx)
			}
		}
	}
	for i, s := range c.Sensors {
		for j, m := range s.Mappings {
			if m.ObjectPath == "" || m.Interface == "" || m.Property == "" {
				return fmt.Errorf("sensors[%d].mappings[%d]: object_path, interface and property are required", i, j)
			}
			for k, v := range m.Values {
				if _, err := normalizeValue(m.PropertyType, v.Value); err != nil {
					return fmt.Errorf("sensors[%d].mappings[%d].values[%d]: %w", i, j, k, err)
				}
			}
		}
	}
	return nil
}

// DeviceRecord converts an endpoint's update material into the state
// machine's inputs.
func (e Endpoint) DeviceRecord() (fwupdate.DeviceIDRecord, []fwupdate.ComponentImageInfo, map[fwupdate.ComponentKey]uint8) {
	record := fwupdate.DeviceIDRecord{
		ApplicableComponents:     e.ApplicableComponents,
		PackageData:              []byte(e.PackageData),
		ComponentImageSetVersion: e.ComponentImageSetVersion,
	}
	components := make([]fwupdate.ComponentImageInfo, len(e.Components))
	infoMap := make(map[fwupdate.ComponentKey]uint8, len(e.Components))
	for i, comp := range e.Components {
		components[i] = fwupdate.ComponentImageInfo{
			Classification:  comp.Classification,
			Identifier:      comp.Identifier,
			ComparisonStamp: comp.ComparisonStamp,
			OptionsBitmap:   comp.Options,
			Offset:          comp.Offset,
			Size:            comp.Size,
			Version:         comp.Version,
		}
		infoMap[fwupdate.ComponentKey{Classification: comp.Classification, Identifier: comp.Identifier}] = comp.ClassificationIndex
	}
	return record, components, infoMap
}

// SensorMaps converts the sensor list into the bridge's dbus-map, narrowing
// each mapping value to the Go type its property_type declares so equality
// comparison against unwrapped bus variants is exact.
func (c *Config) SensorMaps() (map[uint16]sseb.SensorMapEntry, error) {
	out := make(map[uint16]sseb.SensorMapEntry, len(c.Sensors))
	for _, s := range c.Sensors {
		entry := sseb.SensorMapEntry{SensorID: s.SensorID}
		for _, m := range s.Mappings {
			om := sseb.OffsetMapping{
				DBus: sseb.DBusMapping{
					ObjectPath:   m.ObjectPath,
					Interface:    m.Interface,
					Property:     m.Property,
					PropertyType: m.PropertyType,
				},
			}
			for _, v := range m.Values {
				val, err := normalizeValue(m.PropertyType, v.Value)
				if err != nil {
					return nil, fmt.Errorf("sensor %d: %w", s.SensorID, err)
				}
				om.Values = append(om.Values, sseb.ValueMapping{State: v.State, Value: val})
			}
			entry.Offsets = append(entry.Offsets, om)
		}
		out[s.SensorID] = entry
	}
	return out, nil
}

// PDRRepo builds the in-memory PDR repository the bridge iterates: one state
// sensor record per configured sensor.
func (c *Config) PDRRepo() *pdr.Repo {
	repo := pdr.NewRepo(nil)
	for _, s := range c.Sensors {
		repo.Add(pdr.StateSensorRecord(pldm.StateSensorPDRType, s.SensorID))
	}
	return repo
}

// normalizeValue narrows a YAML-decoded value to the declared property type.
func normalizeValue(propertyType string, raw interface{}) (interface{}, error) {
	switch propertyType {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("value %v is not a string", raw)
		}
		return s, nil
	case "bool":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("value %v is not a bool", raw)
		}
		return b, nil
	case "uint8", "uint16", "uint32", "uint64":
		n, ok := toUint64(raw)
		if !ok {
			return nil, fmt.Errorf("value %v is not an unsigned integer", raw)
		}
		switch propertyType {
		case "uint8":
			return uint8(n), nil
		case "uint16":
			return uint16(n), nil
		case "uint32":
			return uint32(n), nil
		default:
			return n, nil
		}
	default:
		return nil, fmt.Errorf("unsupported property_type %q", propertyType)
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}
