package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fisaks/datc/internal/logging"
	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type Config struct {
	Device  DeviceConfig  `json:"device" yaml:"device"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Control ControlConfig `json:"control" yaml:"control"`
	Mqtt    *MqttConfig   `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type DeviceConfig struct {
	Name      string `json:"name" yaml:"name"`
	Transport string `json:"transport" yaml:"transport"` // "rtu" | "tcp"
	Port      string `json:"port" yaml:"port"`
	TCPAddr   string `json:"tcpAddr" yaml:"tcpAddr"`
	Address   uint16 `json:"address" yaml:"address"` // modbus slave id
	Baud      int    `json:"baud" yaml:"baud"`
	DataBits  int    `json:"dataBits" yaml:"dataBits"`
	StopBits  int    `json:"stopBits" yaml:"stopBits"`
	Parity    string `json:"parity" yaml:"parity"`
	TimeoutMs int    `json:"timeoutMs" yaml:"timeoutMs"`
	Debug     bool   `json:"debug" yaml:"debug"`
}

type ServerConfig struct {
	Listen            string `json:"listen" yaml:"listen"`
	MaxClients        int    `json:"maxClients" yaml:"maxClients"`
	CommandBufferSize int    `json:"commandBufferSize" yaml:"commandBufferSize"`
	ClientBufferSize  int    `json:"clientBufferSize" yaml:"clientBufferSize"`
	WriteTimeoutMs    int    `json:"writeTimeoutMs" yaml:"writeTimeoutMs"`
}

type ControlConfig struct {
	FrequencyHz     float64 `json:"frequencyHz" yaml:"frequencyHz"`
	BroadcastStatus *bool   `json:"broadcastStatus" yaml:"broadcastStatus"` // default true
	StopGraceMs     int     `json:"stopGraceMs" yaml:"stopGraceMs"`
}

type MqttConfig struct {
	BrokerURL            string `json:"brokerUrl" yaml:"brokerUrl"`
	ClientName           string `json:"clientName" yaml:"clientName"`
	TopicPrefix          string `json:"topicPrefix" yaml:"topicPrefix"`
	HeartbeatIntervalSec int    `json:"heartbeatIntervalSec" yaml:"heartbeatIntervalSec"`
	ConnectTimeoutMs     int    `json:"connectTimeoutMs" yaml:"connectTimeoutMs"`
	PublishTimeoutMs     int    `json:"publishTimeoutMs" yaml:"publishTimeoutMs"`
	SubscribeTimeoutMs   int    `json:"subscribeTimeoutMs" yaml:"subscribeTimeoutMs"`
}

/* =========================
   Helpers
   ========================= */

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (d DeviceConfig) Timeout() time.Duration { return ms(d.TimeoutMs) }

// Endpoint is the serial port for rtu and host:port for tcp.
func (d DeviceConfig) Endpoint() string {
	if d.Transport == "tcp" {
		return d.TCPAddr
	}
	return d.Port
}

func (s ServerConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMs) }

func (c ControlConfig) StopGrace() time.Duration { return ms(c.StopGraceMs) }
func (c ControlConfig) Broadcast() bool {
	return c.BroadcastStatus == nil || *c.BroadcastStatus
}

func (m MqttConfig) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalSec) * time.Second
}
func (m MqttConfig) ConnectTimeout() time.Duration   { return ms(m.ConnectTimeoutMs) }
func (m MqttConfig) PublishTimeout() time.Duration   { return ms(m.PublishTimeoutMs) }
func (m MqttConfig) SubscribeTimeout() time.Duration { return ms(m.SubscribeTimeoutMs) }

/* =========================
   Strict load + validate
   ========================= */

type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFor picks YAML for .yaml/.yml files and JSON otherwise.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f, FormatFor(path))
}

func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(stripJSONComments(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate fills defaults in place and reports every problem at once.
func (c *Config) Validate() error {
	var errs multiErr

	/* Device */
	d := &c.Device
	if strings.TrimSpace(d.Name) == "" {
		d.Name = "gripper"
	}
	d.Transport = strings.ToLower(strings.TrimSpace(d.Transport))
	if d.Transport == "" {
		d.Transport = "rtu"
	}
	switch d.Transport {
	case "tcp":
		if strings.TrimSpace(d.TCPAddr) == "" {
			errs.add("device: tcpAddr is required for transport=tcp")
		}
	case "rtu":
		if strings.TrimSpace(d.Port) == "" {
			errs.add("device: port is required for transport=rtu")
		}
		if d.Baud == 0 {
			d.Baud = 115200
		}
		if d.Baud < 0 {
			errs.add("device: baud must be > 0")
		}
		if d.DataBits == 0 {
			d.DataBits = 8
		}
		if d.StopBits == 0 {
			d.StopBits = 1
		}
		if d.Parity == "" {
			d.Parity = "N"
		}
		d.Parity = strings.ToUpper(d.Parity)
		if !slices.Contains([]string{"N", "E", "O"}, d.Parity) {
			errs.add("device: parity must be one of N,E,O")
		}
	default:
		errs.addf("device: transport must be 'rtu' or 'tcp', got %q", d.Transport)
	}
	if d.Address == 0 {
		d.Address = 1
	}
	if d.Address > 247 {
		errs.add("device: address must be 1..247")
	}
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = 100
	}

	/* Server */
	s := &c.Server
	if s.Listen == "" {
		s.Listen = ":5020"
	}
	if s.MaxClients < 0 {
		errs.add("server: maxClients cannot be negative")
	}
	if s.CommandBufferSize <= 0 {
		s.CommandBufferSize = 64
	}
	if s.ClientBufferSize <= 0 {
		s.ClientBufferSize = 16
	}
	if s.WriteTimeoutMs <= 0 {
		s.WriteTimeoutMs = 2000
	}

	/* Control */
	ctl := &c.Control
	if ctl.FrequencyHz == 0 {
		ctl.FrequencyHz = 50
	}
	if ctl.FrequencyHz < 0 || ctl.FrequencyHz > 1000 {
		errs.add("control: frequencyHz must be in (0, 1000]")
	}
	if ctl.StopGraceMs <= 0 {
		ctl.StopGraceMs = 2000
	}

	/* MQTT (optional) */
	if m := c.Mqtt; m != nil {
		if strings.TrimSpace(m.BrokerURL) == "" {
			errs.add("mqtt: brokerUrl is required when mqtt is configured")
		}
		if m.ClientName == "" {
			m.ClientName = d.Name
		}
		if m.TopicPrefix == "" {
			m.TopicPrefix = "datc/" + m.ClientName
		}
		if m.HeartbeatIntervalSec < 0 {
			m.HeartbeatIntervalSec = 60
		}
		if m.HeartbeatIntervalSec == 0 {
			logging.Warn("heartbeatIntervalSec=0 configured, mqtt heartbeats disabled")
		}
		if m.ConnectTimeoutMs <= 0 {
			m.ConnectTimeoutMs = 5000
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripJSONComments drops /* */ blocks and whole-line // comments. Line
// comments are only recognised at line start so URLs in values survive.
func stripJSONComments(in []byte) []byte {
	out := blockComments.ReplaceAll(in, nil)
	return lineComments.ReplaceAll(out, nil)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
