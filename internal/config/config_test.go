package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONWithCommentsAndDefaults(t *testing.T) {
	path := writeFile(t, "datc.json", `{
  // gripper on the first USB adapter
  "device": { "port": "/dev/ttyUSB0", "address": 3 },
  /* no server overrides */
  "server": {},
  "mqtt": { "brokerUrl": "tcp://localhost:1883" }
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := cfg.Device
	if d.Transport != "rtu" || d.Baud != 115200 || d.Parity != "N" || d.DataBits != 8 || d.StopBits != 1 {
		t.Fatalf("device defaults %+v", d)
	}
	if d.Address != 3 || d.Endpoint() != "/dev/ttyUSB0" || d.Timeout() != 100*time.Millisecond {
		t.Fatalf("device %+v", d)
	}
	if cfg.Server.Listen != ":5020" || cfg.Server.WriteTimeout() != 2*time.Second {
		t.Fatalf("server %+v", cfg.Server)
	}
	if cfg.Control.FrequencyHz != 50 || !cfg.Control.Broadcast() || cfg.Control.StopGrace() != 2*time.Second {
		t.Fatalf("control %+v", cfg.Control)
	}
	if cfg.Mqtt.BrokerURL != "tcp://localhost:1883" || cfg.Mqtt.TopicPrefix != "datc/gripper" {
		t.Fatalf("mqtt %+v", cfg.Mqtt)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "datc.yaml", `
device:
  name: left-hand
  transport: tcp
  tcpAddr: 127.0.0.1:1502
server:
  listen: 127.0.0.1:6000
  maxClients: 4
control:
  frequencyHz: 25
  broadcastStatus: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Endpoint() != "127.0.0.1:1502" || cfg.Device.Name != "left-hand" {
		t.Fatalf("device %+v", cfg.Device)
	}
	if cfg.Server.MaxClients != 4 || cfg.Control.FrequencyHz != 25 || cfg.Control.Broadcast() {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.Mqtt != nil {
		t.Fatal("mqtt should stay disabled")
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader(`{"device":{"port":"x","speed":1}}`), FormatJSON); err == nil {
		t.Fatal("unknown JSON field accepted")
	}
	if _, err := LoadFromReader(strings.NewReader("device:\n  port: x\n  speed: 1\n"), FormatYAML); err == nil {
		t.Fatal("unknown YAML field accepted")
	}
}

func TestValidationCollectsErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`{
  "device": { "transport": "rtu", "address": 250, "parity": "x" },
  "control": { "frequencyHz": -1 },
  "mqtt": {}
}`), FormatJSON)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"port is required", "address must be 1..247", "parity", "frequencyHz", "brokerUrl"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestFormatFor(t *testing.T) {
	if FormatFor("a/b.YML") != FormatYAML || FormatFor("c.json") != FormatJSON || FormatFor("noext") != FormatJSON {
		t.Fatal("FormatFor mismatch")
	}
}
