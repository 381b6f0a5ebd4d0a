// Package comm owns the device, the broker, the command server and the
// control loop, and runs the single dispatcher that executes commands.
package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/messaging"
	"github.com/fisaks/datc/internal/poller"
	"github.com/fisaks/datc/internal/server"
)

var (
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalidAddress = errors.New("modbus address must be 1..247")
)

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	Server    server.Config
	Broker    messaging.BrokerConfig
	Loop      poller.LoopConfig
	StopGrace time.Duration // bound on each join during Stop
}

const defaultStopGrace = 2 * time.Second

type CommInterface struct {
	cfg    Config
	device *datc.Device
	broker *messaging.MessageBroker
	loop   *poller.ControlLoop
	server *server.Server

	mu             sync.Mutex
	state          State
	cancel         context.CancelFunc
	dispatcherDone chan struct{}
	loopDone       chan struct{}
	lastCmdErr     error

	executed atomic.Uint64
	failed   atomic.Uint64
}

func New(backend datc.DeviceBackend, cfg Config) *CommInterface {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	c := &CommInterface{
		cfg:    cfg,
		device: datc.NewDevice(backend),
		broker: messaging.NewMessageBroker(cfg.Broker),
	}
	c.loop = poller.NewControlLoop(c.device, c.broker, cfg.Loop)
	c.server = server.New(cfg.Server, c.broker, c)
	return c
}

func (c *CommInterface) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Init opens the device. It may be repeated while running to recover a
// lost link; a failure leaves the state as it was.
func (c *CommInterface) Init(port string, address uint16, baud int) error {
	switch st := c.State(); st {
	case StateStopping, StateStopped:
		return fmt.Errorf("init in state %s: %w", st, ErrInvalidState)
	}
	err := c.device.Do(func(b datc.DeviceBackend) error {
		return b.Init(port, address, baud)
	})
	if err != nil {
		logging.Error("device init failed", "port", port, "address", address, "baud", baud, "error", err)
		return fmt.Errorf("init %s address %d: %w", port, address, err)
	}

	c.mu.Lock()
	if c.state == StateUninitialized {
		c.state = StateReady
	}
	st := c.state
	c.mu.Unlock()
	logging.Info("device initialized", "port", port, "address", address, "baud", baud, "state", st.String())
	return nil
}

// Start launches the dispatcher, the control loop and the command server.
func (c *CommInterface) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("start in state %s: %w", c.state, ErrInvalidState)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.server.Start(ctx); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	c.dispatcherDone = make(chan struct{})
	c.loopDone = make(chan struct{})

	go c.dispatch(ctx, c.dispatcherDone)
	go func(done chan struct{}) {
		defer close(done)
		c.loop.Run(ctx)
	}(c.loopDone)

	c.state = StateRunning
	logging.Info("bridge running", "addr", c.server.Addr().String())
	return nil
}

func (c *CommInterface) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		cmd, ok := c.broker.Take(ctx)
		if !ok {
			return
		}
		err := c.device.Do(func(b datc.DeviceBackend) error {
			if !b.IsConnected() {
				return datc.ErrNotConnected
			}
			return datc.Execute(b, cmd)
		})
		c.executed.Add(1)
		if err != nil {
			c.failed.Add(1)
			c.mu.Lock()
			c.lastCmdErr = fmt.Errorf("%s: %w", cmd, err)
			c.mu.Unlock()
			logging.Warn("command failed", "command", cmd.String(), "client", cmd.Client, "error", err)
		} else {
			logging.Debug("command executed", "command", cmd.String(), "client", cmd.Client)
		}
	}
}

// ChangeSlave switches the addressed slave without going through the
// command queue. It still waits for any in-flight device call.
func (c *CommInterface) ChangeSlave(addr uint16) error {
	if addr < 1 || addr > 247 {
		return ErrInvalidAddress
	}
	err := c.device.Do(func(b datc.DeviceBackend) error {
		return datc.Execute(b, datc.Command{Op: datc.OpChangeSlave, Args: []int32{int32(addr)}})
	})
	if err != nil {
		return fmt.Errorf("change slave to %d: %w", addr, err)
	}
	logging.Info("modbus slave changed", "address", addr)
	return nil
}

// Stop shuts everything down and releases the device. Repeated calls
// return immediately.
func (c *CommInterface) Stop() {
	c.mu.Lock()
	prev := c.state
	if prev == StateStopping || prev == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	cancel, dispatcherDone, loopDone := c.cancel, c.dispatcherDone, c.loopDone
	c.mu.Unlock()
	logging.Info("bridge stopping", "from", prev.String())

	c.broker.Close()
	if cancel != nil {
		cancel()
	}

	released := true
	if prev == StateRunning {
		if !c.join("dispatcher", dispatcherDone) {
			released = false
		}
		if !c.join("control loop", loopDone) {
			released = false
		}
	}
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c.server.Close()
	}()
	c.join("command server", serverDone)

	if released {
		_ = c.device.Do(func(b datc.DeviceBackend) error {
			b.Release()
			return nil
		})
	} else {
		logging.Warn("device still busy, skipping release")
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	logging.Info("bridge stopped")
}

func (c *CommInterface) join(name string, done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(c.cfg.StopGrace):
		logging.Warn("shutdown grace period exceeded", "component", name, "grace", c.cfg.StopGrace.String())
		return false
	}
}

func (c *CommInterface) SetStatusBroadcast(on bool) {
	c.loop.SetBroadcast(on)
	logging.Info("status broadcast", "enabled", on)
}

// Addr is the command server address once running.
func (c *CommInterface) Addr() net.Addr { return c.server.Addr() }

func (c *CommInterface) Broker() *messaging.MessageBroker { return c.broker }

func (c *CommInterface) LastCommandError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCmdErr
}

type Health struct {
	State            string `json:"state"`
	Connected        bool   `json:"connected"`
	Address          uint16 `json:"address"`
	Clients          int    `json:"clients"`
	PendingCommands  int    `json:"pendingCommands"`
	Executed         uint64 `json:"executed"`
	Failed           uint64 `json:"failed"`
	Ticks            uint64 `json:"ticks"`
	Overruns         uint64 `json:"overruns"`
	Broadcasting     bool   `json:"broadcasting"`
	LastPollError    string `json:"lastPollError,omitempty"`
	LastCommandError string `json:"lastCommandError,omitempty"`
}

func (c *CommInterface) Health() Health {
	h := Health{
		State:           c.State().String(),
		Connected:       c.device.IsConnected(),
		Address:         c.device.CurrentAddress(),
		Clients:         c.broker.ClientCount(),
		PendingCommands: c.broker.Pending(),
		Executed:        c.executed.Load(),
		Failed:          c.failed.Load(),
		Ticks:           c.loop.Ticks(),
		Overruns:        c.loop.Overruns(),
		Broadcasting:    c.loop.Broadcasting(),
	}
	if err := c.loop.LastPollError(); err != nil {
		h.LastPollError = err.Error()
	}
	if err := c.LastCommandError(); err != nil {
		h.LastCommandError = err.Error()
	}
	return h
}

var _ datc.SlaveChanger = (*CommInterface)(nil)
