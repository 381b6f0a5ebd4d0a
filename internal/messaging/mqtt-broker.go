package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/datc/internal/logging"
)

var ErrNotConnected = errors.New("mqtt client not initialized")

type MqttConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
}

type MqttBroker struct {
	config         MqttConfig
	client         mqtt.Client
	mu             sync.RWMutex
	subs           map[string]MessageHandler
	onConnectFuncs map[string]OnConnectPublisher
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      any
}

type OnConnectPublisher func() (PublishRequest, error)

func NewMqttBroker(cfg MqttConfig) *MqttBroker {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "datc/" + cfg.ClientName
	}
	return &MqttBroker{
		config:         cfg,
		subs:           make(map[string]MessageHandler),
		onConnectFuncs: make(map[string]OnConnectPublisher),
	}
}

// Topic joins parts below the configured prefix.
func (b *MqttBroker) Topic(parts ...string) string {
	return strings.Join(append([]string{strings.TrimSuffix(b.config.TopicPrefix, "/")}, parts...), "/")
}

func (b *MqttBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = mqtt.NewClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}
	if b.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.ConnectTimeout)
		defer cancel()
	}

	t := b.client.Connect()
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		b.client.Disconnect(250)
		return ctx.Err()
	}
}

func (b *MqttBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	opts.SetClientID("datc-" + b.config.ClientName)
	opts.SetAutoReconnect(true)
	opts.SetWill(b.Topic("online"), "false", byte(AtLeastOnce), true)
	opts.OnConnect = func(c mqtt.Client) {
		c.Publish(b.Topic("online"), byte(AtLeastOnce), true, "true")
		b.resubscribe(c)
		b.onConnectPublisher()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warn("mqtt connection lost", "clientName", b.config.ClientName, "error", err)
	}
	return opts
}

func (b *MqttBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MqttBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

func (b *MqttBroker) onConnectPublisher() {
	b.mu.RLock()
	funcsCopy := make(map[string]OnConnectPublisher, len(b.onConnectFuncs))
	for k, v := range b.onConnectFuncs {
		funcsCopy[k] = v
	}
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		req, err := fn()
		if err != nil {
			logging.Error("onConnect publisher failed", "clientName", b.config.ClientName, "id", id, "error", err)
			continue
		}
		ctx := req.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var pubErr error
		if req.PayloadBytes == nil {
			pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
		} else {
			pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "clientName", b.config.ClientName, "id", id, "topic", req.Topic, "error", pubErr)
		}
	}
}

// resubscribe restores subscriptions after an automatic reconnect with a
// clean session.
func (b *MqttBroker) resubscribe(c mqtt.Client) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for topic, handler := range b.subs {
		c.Subscribe(topic, byte(AtLeastOnce), b.wrap(context.Background(), handler))
	}
}

func (b *MqttBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

func (b *MqttBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		if b.client.IsConnected() {
			t := b.client.Publish(b.Topic("online"), byte(AtLeastOnce), true, "false")
			t.WaitTimeout(time.Second)
		}
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MqttBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return ErrNotConnected
	}
	qosByte, wait := qosToByte(qos)
	token := b.client.Publish(topic, qosByte, retain, payload)
	if !wait {
		return nil
	}
	timeout := b.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("publish timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func qosToByte(qos QoS) (byte, bool) {
	if qos > 2 {
		return 0, false
	}
	return byte(qos), true
}

func (b *MqttBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

func (b *MqttBroker) wrap(ctx context.Context, handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "clientName", b.config.ClientName, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
}

// Subscribe registers handler and waits for SUBACK with timeout
func (b *MqttBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	if b.client == nil {
		return nil, ErrNotConnected
	}
	token := b.client.Subscribe(topic, byte(qos), b.wrap(ctx, handler))

	timeout := b.config.SubscribeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.subs[topic] = handler
		b.mu.Unlock()
		return &mqttSubscription{broker: b, topic: topic}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("subscribe timeout for %s", topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mqttSubscription struct {
	broker *MqttBroker
	topic  string
}

func (s *mqttSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()

	token := b.client.Unsubscribe(s.topic)
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(3 * time.Second):
		return fmt.Errorf("unsubscribe timeout for %s", s.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Broker = (*MqttBroker)(nil)
