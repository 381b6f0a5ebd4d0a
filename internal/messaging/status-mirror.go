package messaging

import (
	"bytes"
	"context"
	"time"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/protocol"
	"github.com/fisaks/datc/internal/state"
)

const mirrorClient = "mqtt"

// StatusMirror republishes device status on MQTT and feeds command
// records received on <prefix>/cmd into the bridge.
type StatusMirror struct {
	broker            Broker
	statuses          state.StatusStore
	heartbeatInterval time.Duration
	submitter         datc.Submitter
	changer           datc.SlaveChanger
}

func NewStatusMirror(broker Broker, heartbeatInterval time.Duration, submitter datc.Submitter, changer datc.SlaveChanger) *StatusMirror {
	return &StatusMirror{
		broker:            broker,
		statuses:          state.NewStatusStore(),
		heartbeatInterval: heartbeatInterval,
		submitter:         submitter,
		changer:           changer,
	}
}

// PublishStatus sends s when it differs from the last one sent or the
// heartbeat is due.
func (m *StatusMirror) PublishStatus(ctx context.Context, s datc.DeviceStatus) error {
	topic := m.broker.Topic("status")
	if !m.statuses.HasChanged(topic, s) && !m.statuses.NeedsHeartbeat(topic, m.heartbeatInterval) {
		return nil
	}
	logging.Debug("Publishing device status", "topic", topic, "state", datc.StateString(s.State))
	payload := bytes.TrimSuffix(protocol.Encode(s), []byte("\n"))
	err := m.broker.Publish(ctx, topic, FireAndForget, true, payload)
	if err == nil {
		m.statuses.Update(topic, s)
	}
	return err
}

// OnMessage handles one command record from MQTT. Messages are handled
// concurrently, so ordering between them is not guaranteed.
func (m *StatusMirror) OnMessage(ctx context.Context, topic string, payload []byte) {
	cmd, err := protocol.Decode(payload)
	if err != nil {
		logging.Warn("mqtt command rejected", "topic", topic, "error", err)
		return
	}
	if cmd.OutOfBand() {
		if err := m.changer.ChangeSlave(uint16(cmd.Args[0])); err != nil {
			logging.Warn("mqtt change_slave failed", "address", cmd.Args[0], "error", err)
		}
		return
	}
	cmd.Client = mirrorClient
	if err := m.submitter.Submit(ctx, cmd); err != nil {
		logging.Warn("mqtt command not queued", "command", cmd.String(), "error", err)
	}
}

// Run connects, subscribes to the command topic and mirrors every status
// published on source until ctx is done.
func (m *StatusMirror) Run(ctx context.Context, source *MessageBroker) error {
	if err := m.broker.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.broker.Close(closeCtx)
	}()

	if sub, err := m.broker.Subscribe(ctx, m.broker.Topic("cmd"), AtLeastOnce, m.OnMessage); err != nil {
		logging.Warn("mqtt command subscription failed", "error", err)
	} else {
		defer func() {
			unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = sub.Unsubscribe(unsubCtx)
		}()
	}

	h := source.Register(mirrorClient)
	defer source.Unregister(h)
	logging.Info("mqtt status mirror started", "topic", m.broker.Topic("status"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Done():
			return nil
		case s := <-h.Outbound():
			if err := m.PublishStatus(ctx, s); err != nil && ctx.Err() == nil {
				logging.Warn("mqtt status publish failed", "error", err)
			}
		}
	}
}

// Start runs the mirror in the background. The returned channel closes
// after Run has unregistered from source and closed the MQTT connection.
func (m *StatusMirror) Start(ctx context.Context, source *MessageBroker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Run(ctx, source); err != nil {
			logging.Error("mqtt mirror stopped", "error", err)
		}
	}()
	return done
}
