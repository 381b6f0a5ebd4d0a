package catalog

import (
	"time"

	"github.com/fisaks/datc/internal/config"
	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/messaging"
)

// DeviceInfoMessage is published retained on <prefix>/info whenever the
// MQTT link comes up.
type DeviceInfoMessage struct {
	Name       string    `json:"name"`
	Transport  string    `json:"transport"`
	Endpoint   string    `json:"endpoint"`
	Address    uint16    `json:"address"`
	Baud       int       `json:"baud,omitempty"`
	Listen     string    `json:"listen"`
	PollHz     float64   `json:"pollHz"`
	Operations []string  `json:"operations"`
	States     []string  `json:"states"`
	StartedAt  time.Time `json:"startedAt"`
}

type Catalog struct {
	cfg       *config.Config
	address   func() uint16
	startedAt time.Time
}

// NewDeviceCatalog describes the bridge from cfg; address reports the
// slave currently addressed, which may differ from the configured one.
func NewDeviceCatalog(cfg *config.Config, address func() uint16) *Catalog {
	return &Catalog{cfg: cfg, address: address, startedAt: time.Now().UTC()}
}

func (c *Catalog) Build() DeviceInfoMessage {
	d := c.cfg.Device
	msg := DeviceInfoMessage{
		Name:      d.Name,
		Transport: d.Transport,
		Endpoint:  d.Endpoint(),
		Address:   d.Address,
		Listen:    c.cfg.Server.Listen,
		PollHz:    c.cfg.Control.FrequencyHz,
		StartedAt: c.startedAt,
	}
	if d.Transport == "rtu" {
		msg.Baud = d.Baud
	}
	if c.address != nil {
		if a := c.address(); a != 0 {
			msg.Address = a
		}
	}
	for op := datc.OpEnable; op <= datc.OpCustom; op++ {
		msg.Operations = append(msg.Operations, op.String())
	}
	for bit := uint16(1); bit <= datc.StateFault; bit <<= 1 {
		msg.States = append(msg.States, datc.StateString(bit))
	}
	return msg
}

// OnConnectPublisher returns the request the MQTT broker sends on every
// (re)connect.
func (c *Catalog) OnConnectPublisher(topic string) messaging.OnConnectPublisher {
	return func() (messaging.PublishRequest, error) {
		return messaging.PublishRequest{
			Topic:   topic,
			Qos:     messaging.AtLeastOnce,
			Retain:  true,
			Payload: c.Build(),
		}, nil
	}
}
