package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/datc/internal/catalog"
	"github.com/fisaks/datc/internal/comm"
	"github.com/fisaks/datc/internal/config"
	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/messaging"
	"github.com/fisaks/datc/internal/modbus"
	"github.com/fisaks/datc/internal/poller"
	"github.com/fisaks/datc/internal/server"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("DATC_CONFIG_PATH", "/etc/datc/datc.yaml")

	logging.Init()
	cfg, err := config.Load(path)
	if err != nil {
		logging.Fatal("DATC config error", "path", path, "error", err)
	}
	logging.Info("Loaded config",
		"device", cfg.Device.Name,
		"transport", cfg.Device.Transport,
		"endpoint", cfg.Device.Endpoint(),
		"address", cfg.Device.Address,
		"listen", cfg.Server.Listen,
		"hz", cfg.Control.FrequencyHz,
	)

	bridge := comm.New(modbus.NewGripperClient(cfg.Device), comm.Config{
		Server: server.Config{
			Listen:       cfg.Server.Listen,
			MaxClients:   cfg.Server.MaxClients,
			WriteTimeout: cfg.Server.WriteTimeout(),
		},
		Broker: messaging.BrokerConfig{
			CommandBufferSize: cfg.Server.CommandBufferSize,
			ClientBufferSize:  cfg.Server.ClientBufferSize,
		},
		Loop: poller.LoopConfig{
			FrequencyHz: cfg.Control.FrequencyHz,
			Broadcast:   cfg.Control.Broadcast(),
		},
		StopGrace: cfg.Control.StopGrace(),
	})

	if err := bridge.Init(cfg.Device.Endpoint(), cfg.Device.Address, cfg.Device.Baud); err != nil {
		logging.Fatal("device init", "error", err)
	}

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Start(ctx); err != nil {
		logging.Fatal("start", "error", err)
	}
	logging.Info("DATC bridge running", "addr", bridge.Addr().String())

	var mirrorDone <-chan struct{}
	if cfg.Mqtt != nil {
		mirrorDone = startMirror(ctx, cfg, bridge)
	}

	go logHealth(ctx, bridge, time.Minute)

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	cancel()
	bridge.Stop()
	if mirrorDone != nil {
		select {
		case <-mirrorDone:
		case <-time.After(3 * time.Second):
			logging.Warn("mqtt mirror did not stop in time")
		}
	}
	logging.Info("bye")
}

// startMirror runs the MQTT status mirror; the returned channel closes
// once it has unregistered and closed its broker connection.
func startMirror(ctx context.Context, cfg *config.Config, bridge *comm.CommInterface) <-chan struct{} {
	broker := messaging.NewMqttBroker(messaging.MqttConfig{
		BrokerURL:        cfg.Mqtt.BrokerURL,
		ClientName:       cfg.Mqtt.ClientName,
		TopicPrefix:      cfg.Mqtt.TopicPrefix,
		ConnectTimeout:   cfg.Mqtt.ConnectTimeout(),
		PublishTimeout:   cfg.Mqtt.PublishTimeout(),
		SubscribeTimeout: cfg.Mqtt.SubscribeTimeout(),
	})
	cat := catalog.NewDeviceCatalog(cfg, func() uint16 { return bridge.Health().Address })
	broker.AddOnConnectPublisher("info", cat.OnConnectPublisher(broker.Topic("info")))

	mirror := messaging.NewStatusMirror(broker, cfg.Mqtt.HeartbeatInterval(), bridge.Broker(), bridge)
	return mirror.Start(ctx, bridge.Broker())
}

func logHealth(ctx context.Context, bridge *comm.CommInterface, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h := bridge.Health()
			logging.Info("health",
				"state", h.State,
				"connected", h.Connected,
				"clients", h.Clients,
				"pending", h.PendingCommands,
				"executed", h.Executed,
				"failed", h.Failed,
				"overruns", h.Overruns,
			)
		}
	}
}
