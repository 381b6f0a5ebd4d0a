package catalog

import (
	"testing"

	"github.com/fisaks/datc/internal/config"
)

func TestBuildUsesLiveAddress(t *testing.T) {
	cfg := &config.Config{Device: config.DeviceConfig{Port: "/dev/ttyUSB1"}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	c := NewDeviceCatalog(cfg, func() uint16 { return 9 })
	msg := c.Build()
	if msg.Address != 9 || msg.Endpoint != "/dev/ttyUSB1" || msg.Baud != 115200 {
		t.Fatalf("msg %+v", msg)
	}
	if len(msg.Operations) != 19 || msg.Operations[0] != "ENABLE" || msg.Operations[18] != "CUSTOM" {
		t.Fatalf("operations %v", msg.Operations)
	}
	if len(msg.States) != 7 || msg.States[6] != "fault" {
		t.Fatalf("states %v", msg.States)
	}

	req, err := c.OnConnectPublisher("datc/gripper/info")()
	if err != nil || !req.Retain || req.Topic != "datc/gripper/info" {
		t.Fatalf("req %+v err=%v", req, err)
	}
}
