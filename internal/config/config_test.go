package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pldmd/internal/fwupdate"
)

const sampleYAML = `
transport:
  port: /dev/ttyUSB0
web:
  listen: 127.0.0.1:9090
  api_key: secret
history:
  path: /tmp/pldmd-test.db
update_timeout_seconds: 30
max_transfer_size: 64
sensor_event_eid: 9
endpoints:
  - eid: 9
    package_path: /tmp/fw.bin
    component_image_set_version: "v1.0"
    applicable_components: [0, 1]
    components:
      - classification: 10
        identifier: 1
        comparison_stamp: 7
        options: 1
        offset: 0
        size: 64
        version: "c0"
        classification_index: 0
      - classification: 10
        identifier: 2
        offset: 64
        size: 96
        version: "c1"
        classification_index: 1
sensors:
  - sensor_id: 66
    mappings:
      - object_path: /xyz/openbmc_project/state/host0
        interface: xyz.openbmc_project.State.Host
        property: CurrentHostState
        property_type: string
        values:
          - state: 3
            value: "Enabled || Active"
          - state: 5
            value: "Standby"
      - object_path: /xyz/openbmc_project/sensors/fan0
        interface: xyz.openbmc_project.Inventory.Item
        property: Present
        property_type: bool
        values:
          - state: 1
            value: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport.Port != "/dev/ttyUSB0" || cfg.Transport.Baud != 115200 {
		t.Errorf("transport: %+v", cfg.Transport)
	}
	if cfg.Web.Listen != "127.0.0.1:9090" || cfg.Web.APIKey != "secret" {
		t.Errorf("web: %+v", cfg.Web)
	}
	if cfg.UpdateTimeoutSeconds != 30 || cfg.MaxTransferSize != 64 {
		t.Errorf("timeouts: %d/%d", cfg.UpdateTimeoutSeconds, cfg.MaxTransferSize)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt should default to disabled")
	}
	if len(cfg.Endpoints) != 1 || len(cfg.Sensors) != 1 {
		t.Fatalf("endpoints=%d sensors=%d", len(cfg.Endpoints), len(cfg.Sensors))
	}

	record, components, infoMap := cfg.Endpoints[0].DeviceRecord()
	if len(record.ApplicableComponents) != 2 || record.ComponentImageSetVersion != "v1.0" {
		t.Errorf("record: %+v", record)
	}
	if components[1].Offset != 64 || components[1].Size != 96 {
		t.Errorf("component 1: %+v", components[1])
	}
	if idx := infoMap[fwupdate.ComponentKey{Classification: 10, Identifier: 2}]; idx != 1 {
		t.Errorf("classification index = %d, want 1", idx)
	}
}

func TestSensorMapsNormalizeValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	maps, err := cfg.SensorMaps()
	if err != nil {
		t.Fatalf("SensorMaps: %v", err)
	}

	entry, ok := maps[66]
	if !ok {
		t.Fatal("sensor 66 missing from maps")
	}
	if len(entry.Offsets) != 2 {
		t.Fatalf("offsets = %d, want 2", len(entry.Offsets))
	}
	if v, ok := entry.Offsets[0].Values[0].Value.(string); !ok || v != "Enabled || Active" {
		t.Errorf("string value = %v", entry.Offsets[0].Values[0].Value)
	}
	if v, ok := entry.Offsets[1].Values[0].Value.(bool); !ok || v != true {
		t.Errorf("bool value = %v", entry.Offsets[1].Values[0].Value)
	}

	repo := cfg.PDRRepo()
	if repo.Len() != 1 {
		t.Errorf("pdr repo has %d records, want 1", repo.Len())
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "transfer size below baseline",
			mutate:  func(s string) string { return strings.Replace(s, "max_transfer_size: 64", "max_transfer_size: 16", 1) },
			wantErr: "max_transfer_size",
		},
		{
			name:    "missing package path",
			mutate:  func(s string) string { return strings.Replace(s, "package_path: /tmp/fw.bin", "package_path: \"\"", 1) },
			wantErr: "package_path",
		},
		{
			name:    "component index out of range",
			mutate:  func(s string) string { return strings.Replace(s, "applicable_components: [0, 1]", "applicable_components: [0, 5]", 1) },
			wantErr: "out of range",
		},
		{
			name:    "bad property type",
			mutate:  func(s string) string { return strings.Replace(s, "property_type: bool", "property_type: float", 1) },
			wantErr: "property_type",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mutate(sampleYAML)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
