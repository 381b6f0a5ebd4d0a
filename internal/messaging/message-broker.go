package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fisaks/datc/internal/datc"
	"github.com/google/uuid"
)

var ErrBrokerClosed = errors.New("message broker closed")

// BrokerConfig sizes the queues of a MessageBroker.
type BrokerConfig struct {
	CommandBufferSize int // shared inbound queue
	ClientBufferSize  int // per client outbound queue
}

const (
	defaultCommandBufferSize = 64
	defaultClientBufferSize  = 16
)

// ClientHandle is the broker side of one connected client.
type ClientHandle struct {
	id      string
	remote  string
	out     chan datc.DeviceStatus
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (h *ClientHandle) ID() string     { return h.id }
func (h *ClientHandle) Remote() string { return h.remote }

// Outbound yields the statuses published for this client.
func (h *ClientHandle) Outbound() <-chan datc.DeviceStatus { return h.out }

// Done is closed when the handle is unregistered.
func (h *ClientHandle) Done() <-chan struct{} { return h.done }

// Dropped counts statuses discarded because the client fell behind.
func (h *ClientHandle) Dropped() uint64 { return h.dropped.Load() }

// offer never blocks: when the queue is full the oldest pending status
// makes room for s.
func (h *ClientHandle) offer(s datc.DeviceStatus) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case h.out <- s:
			return true
		default:
		}
		select {
		case <-h.out:
			h.dropped.Add(1)
		default:
		}
	}
	return false
}

// MessageBroker carries commands from any number of clients to the single
// dispatcher, and statuses from the control loop to every client.
type MessageBroker struct {
	mu         sync.RWMutex
	clients    map[string]*ClientHandle
	clientSize int

	inbound   chan datc.Command
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMessageBroker(cfg BrokerConfig) *MessageBroker {
	if cfg.CommandBufferSize <= 0 {
		cfg.CommandBufferSize = defaultCommandBufferSize
	}
	if cfg.ClientBufferSize <= 0 {
		cfg.ClientBufferSize = defaultClientBufferSize
	}
	return &MessageBroker{
		clients:    make(map[string]*ClientHandle),
		clientSize: cfg.ClientBufferSize,
		inbound:    make(chan datc.Command, cfg.CommandBufferSize),
		closed:     make(chan struct{}),
	}
}

// Register adds a client; it receives every status published afterwards.
func (b *MessageBroker) Register(remote string) *ClientHandle {
	h := &ClientHandle{
		id:     uuid.NewString(),
		remote: remote,
		out:    make(chan datc.DeviceStatus, b.clientSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[h.id] = h
	b.mu.Unlock()
	return h
}

// Unregister removes h, closes its Done channel and discards whatever was
// still queued for it. Calling it more than once is harmless. A Publish
// racing with the drain can still leave one status in the channel; it is
// never read because Done is already closed.
func (b *MessageBroker) Unregister(h *ClientHandle) {
	if h == nil {
		return
	}
	b.mu.Lock()
	delete(b.clients, h.id)
	b.mu.Unlock()

	h.once.Do(func() { close(h.done) })
	for {
		select {
		case <-h.out:
		default:
			return
		}
	}
}

func (b *MessageBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish hands s to every registered client and returns how many
// received it. It never waits on a slow client.
func (b *MessageBroker) Publish(s datc.DeviceStatus) int {
	b.mu.RLock()
	handles := make([]*ClientHandle, 0, len(b.clients))
	for _, h := range b.clients {
		handles = append(handles, h)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, h := range handles {
		if h.offer(s) {
			delivered++
		}
	}
	return delivered
}

// Submit enqueues cmd for the dispatcher, waiting for room if the queue
// is full.
func (b *MessageBroker) Submit(ctx context.Context, cmd datc.Command) error {
	select {
	case <-b.closed:
		return ErrBrokerClosed
	default:
	}
	select {
	case b.inbound <- cmd:
		return nil
	case <-b.closed:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take returns the next command in arrival order. ok is false once the
// broker is closed or ctx is done.
func (b *MessageBroker) Take(ctx context.Context) (cmd datc.Command, ok bool) {
	select {
	case <-b.closed:
		return datc.Command{}, false
	case <-ctx.Done():
		return datc.Command{}, false
	default:
	}
	select {
	case cmd = <-b.inbound:
		return cmd, true
	case <-b.closed:
		return datc.Command{}, false
	case <-ctx.Done():
		return datc.Command{}, false
	}
}

// Pending is the number of commands waiting for the dispatcher.
func (b *MessageBroker) Pending() int { return len(b.inbound) }

// Close wakes every waiter and discards pending commands.
func (b *MessageBroker) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		for {
			select {
			case <-b.inbound:
			default:
				return
			}
		}
	})
}

func (b *MessageBroker) Closed() <-chan struct{} { return b.closed }
