package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/logging"
)

// ControlLoop polls the device status at a fixed rate and hands every
// snapshot to the publisher while anyone is listening.
type ControlLoop struct {
	device    *datc.Device
	publisher Publisher
	period    time.Duration

	broadcast atomic.Bool
	ticks     atomic.Uint64
	overruns  atomic.Uint64

	mu      sync.Mutex
	last    datc.DeviceStatus
	lastErr error
}

func NewControlLoop(device *datc.Device, publisher Publisher, cfg LoopConfig) *ControlLoop {
	hz := cfg.FrequencyHz
	if hz <= 0 {
		hz = DefaultFrequencyHz
	}
	l := &ControlLoop{
		device:    device,
		publisher: publisher,
		period:    time.Duration(float64(time.Second) / hz),
	}
	l.broadcast.Store(cfg.Broadcast)
	return l
}

func (l *ControlLoop) Period() time.Duration { return l.period }

func (l *ControlLoop) SetBroadcast(on bool) { l.broadcast.Store(on) }
func (l *ControlLoop) Broadcasting() bool   { return l.broadcast.Load() }

func (l *ControlLoop) Ticks() uint64    { return l.ticks.Load() }
func (l *ControlLoop) Overruns() uint64 { return l.overruns.Load() }

func (l *ControlLoop) LastPollError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// LastStatus is the most recent snapshot read from the device.
func (l *ControlLoop) LastStatus() datc.DeviceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Run ticks until ctx is done, then disables and releases the device.
// Only ctx interrupts the wait between ticks; commands never pull a
// tick forward.
func (l *ControlLoop) Run(ctx context.Context) {
	logging.Info("control loop started", "period", l.period.String(), "broadcast", l.Broadcasting())
	defer l.shutdown()

	timer := time.NewTimer(l.period)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		l.tick()

		remaining := l.period - time.Since(start)
		if remaining <= 0 {
			// overran the budget, start the next tick right away
			l.overruns.Add(1)
			continue
		}
		timer.Reset(remaining)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (l *ControlLoop) tick() {
	defer l.ticks.Add(1)

	var (
		status datc.DeviceStatus
		polled bool
	)
	err := l.device.Do(func(b datc.DeviceBackend) error {
		if !b.IsConnected() {
			return nil
		}
		s, err := b.ReadStatus()
		if err != nil {
			return err
		}
		status, polled = s, true
		return nil
	})
	if err != nil {
		status, polled = l.faultStatus(err), true
	}
	l.record(status, polled, err)

	// device mutex is released; queue work only from here on
	if !polled || !l.Broadcasting() || l.publisher.ClientCount() == 0 {
		return
	}
	l.publisher.Publish(status)
}

// faultStatus keeps the last good readings and flags the failure.
func (l *ControlLoop) faultStatus(err error) datc.DeviceStatus {
	l.mu.Lock()
	s := l.last
	l.mu.Unlock()
	s.State |= datc.StateFault
	s.Diagnostic = err.Error()
	return s
}

func (l *ControlLoop) record(status datc.DeviceStatus, polled bool, err error) {
	l.mu.Lock()
	prev := l.lastErr
	l.lastErr = err
	if polled && err == nil {
		l.last = status
	}
	l.mu.Unlock()

	switch {
	case err != nil && prev == nil:
		logging.Warn("status poll failed", "error", err)
	case err == nil && prev != nil:
		logging.Info("status poll recovered")
	}
}

func (l *ControlLoop) shutdown() {
	_ = l.device.Do(func(b datc.DeviceBackend) error {
		if b.IsConnected() {
			if err := b.Disable(); err != nil {
				logging.Warn("disable on shutdown failed", "error", err)
			}
		}
		b.Release()
		return nil
	})
	logging.Info("control loop stopped", "ticks", l.Ticks(), "overruns", l.Overruns())
}
