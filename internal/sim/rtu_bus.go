package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/modbus"
	"github.com/goburrow/serial"
	womat "github.com/womat/mbserver"
)

// Bus simulates several grippers sharing one RTU line, each answering
// on its own slave address.
type Bus struct {
	srv      *womat.Server
	port     serial.Port
	grippers map[uint8]*Gripper
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewBus(addresses ...uint8) (*Bus, error) {
	b := &Bus{
		srv:      womat.NewServer(),
		grippers: make(map[uint8]*Gripper),
		stop:     make(chan struct{}),
	}
	for _, id := range addresses {
		if id == 0 || id > 247 {
			return nil, fmt.Errorf("slave address %d out of range", id)
		}
		// device 1 exists by default
		if id != 1 {
			if err := b.srv.NewDevice(id); err != nil {
				return nil, fmt.Errorf("NewDevice(%d): %w", id, err)
			}
		}
		b.grippers[id] = NewGripper(uint16(id))
	}
	return b, nil
}

func (b *Bus) Gripper(id uint8) (*Gripper, bool) {
	g, ok := b.grippers[id]
	return g, ok
}

// Listen opens the serial port and starts serving every gripper.
func (b *Bus) Listen(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("serial open %s: %w", cfg.Address, err)
	}
	if err := b.srv.ListenRTU(port); err != nil {
		port.Close()
		return fmt.Errorf("listenRTU: %w", err)
	}
	b.port = port

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		stepLoop(b.stop, b.step)
	}()
	logging.Info("RTU bus simulator ready", "port", cfg.Address, "baud", cfg.BaudRate, "devices", len(b.grippers))
	return nil
}

// step moves every gripper and mirrors its registers. Orders are picked
// up here rather than in a request hook, so they take effect within one
// step interval.
func (b *Bus) step(dt time.Duration) {
	for id, g := range b.grippers {
		dev, ok := b.srv.Devices[id]
		if !ok {
			continue
		}
		regs := dev.HoldingRegisters
		if order := modbus.Order(regs[modbus.RegOrder]); order != 0 {
			params := [3]int16{int16(regs[modbus.RegParam1]), int16(regs[modbus.RegParam2]), int16(regs[modbus.RegParam3])}
			regs[modbus.RegOrder] = 0
			if err := g.Apply(order, params); err != nil {
				logging.Warn("simulator rejected order", "slave", id, "order", order, "error", err)
			}
		}
		g.Step(dt)
		copy(dev.InputRegisters, g.Registers())
	}
}

func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.stop)
		b.wg.Wait()
		if b.port != nil {
			_ = b.port.Close()
		}
	})
}
