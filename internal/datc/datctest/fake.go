// Package datctest provides a recording DeviceBackend for tests.
package datctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fisaks/datc/internal/datc"
)

var ErrInitRefused = errors.New("fake: init refused")

// Call is one recorded backend invocation.
type Call struct {
	Name string
	Args []int64
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = fmt.Sprint(a)
	}
	return c.Name + "(" + strings.Join(parts, ",") + ")"
}

// Backend records every call. Hooks let tests inject latency or
// failures; they run with the fake's own lock released.
type Backend struct {
	mu        sync.Mutex
	calls     []Call
	connected bool
	readErr   bool
	address   uint16
	status    datc.DeviceStatus

	FailInit   bool
	FailStatus error
	FailOps    error
	// Block, when set, is invoked at the start of every device call,
	// ReadStatus included.
	Block func(name string)
	// Notify receives the name of every recorded call when non-nil.
	Notify chan string
}

func New() *Backend {
	return &Backend{}
}

// Connected returns a backend that behaves as if Init already succeeded.
func Connected(address uint16) *Backend {
	return &Backend{connected: true, address: address}
}

func (b *Backend) record(name string, args ...int64) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Name: name, Args: args})
	notify := b.Notify
	b.mu.Unlock()
	if notify != nil {
		select {
		case notify <- name:
		default:
		}
	}
}

func (b *Backend) op(name string, args ...int64) error {
	if b.Block != nil {
		b.Block(name)
	}
	b.record(name, args...)
	return b.FailOps
}

// Calls returns a copy of the recorded calls.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Names returns the recorded call names, excluding status reads.
func (b *Backend) Names() []string {
	var names []string
	for _, c := range b.Calls() {
		if c.Name == "ReadStatus" || c.Name == "IsConnected" {
			continue
		}
		names = append(names, c.String())
	}
	return names
}

func (b *Backend) Count(name string) int {
	n := 0
	for _, c := range b.Calls() {
		if c.Name == name {
			n++
		}
	}
	return n
}

func (b *Backend) SetStatus(s datc.DeviceStatus) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Backend) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Backend) Init(port string, address uint16, baud int) error {
	b.record("Init", int64(address), int64(baud))
	if b.FailInit {
		return ErrInitRefused
	}
	b.mu.Lock()
	b.connected = true
	b.address = address
	b.mu.Unlock()
	return nil
}

func (b *Backend) Release() {
	b.record("Release")
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Backend) LastReadError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readErr
}

func (b *Backend) CurrentAddress() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.address
}

func (b *Backend) ChangeAddress(addr uint16) error {
	b.record("ChangeAddress", int64(addr))
	b.mu.Lock()
	b.address = addr
	b.mu.Unlock()
	return nil
}

func (b *Backend) SetAddress(addr uint16) error { return b.op("SetAddress", int64(addr)) }

func (b *Backend) ReadStatus() (datc.DeviceStatus, error) {
	if b.Block != nil {
		b.Block("ReadStatus")
	}
	b.record("ReadStatus")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailStatus != nil {
		b.readErr = true
		return datc.DeviceStatus{}, b.FailStatus
	}
	b.readErr = false
	return b.status, nil
}

func (b *Backend) Enable() error  { return b.op("Enable") }
func (b *Backend) Disable() error { return b.op("Disable") }
func (b *Backend) Stop() error    { return b.op("Stop") }

func (b *Backend) PositionControl(pos int16, vel uint16) error {
	return b.op("PositionControl", int64(pos), int64(vel))
}
func (b *Backend) VelocityControl(vel int16) error { return b.op("VelocityControl", int64(vel)) }
func (b *Backend) CurrentControl(cur int16) error  { return b.op("CurrentControl", int64(cur)) }

func (b *Backend) GripInitialize() error { return b.op("GripInitialize") }
func (b *Backend) GripOpen() error       { return b.op("GripOpen") }
func (b *Backend) GripClose() error      { return b.op("GripClose") }
func (b *Backend) SetFingerPosition(pos uint16) error {
	return b.op("SetFingerPosition", int64(pos))
}
func (b *Backend) VacuumOn() error          { return b.op("VacuumOn") }
func (b *Backend) VacuumOff() error         { return b.op("VacuumOff") }
func (b *Backend) SetTorque(v uint16) error { return b.op("SetTorque", int64(v)) }
func (b *Backend) SetSpeed(v uint16) error  { return b.op("SetSpeed", int64(v)) }

func (b *Backend) ImpedanceOn() error  { return b.op("ImpedanceOn") }
func (b *Backend) ImpedanceOff() error { return b.op("ImpedanceOff") }
func (b *Backend) SetImpedanceParams(slave, stiffness int16) error {
	return b.op("SetImpedanceParams", int64(slave), int64(stiffness))
}

func (b *Backend) CustomCommand(addr uint16, values ...int16) error {
	args := []int64{int64(addr)}
	for _, v := range values {
		args = append(args, int64(v))
	}
	return b.op("CustomCommand", args...)
}

var _ datc.DeviceBackend = (*Backend)(nil)
