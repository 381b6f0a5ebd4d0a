// Package sim is a software gripper that answers on the same register
// map as the real device, for bench work without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/modbus"
)

var (
	ErrUnknownOrder   = errors.New("unknown order")
	ErrNotInitialized = errors.New("gripper not initialized")
	ErrDisabled       = errors.New("motor disabled")
)

// Orders outside the standard set that the firmware still accepts.
const (
	OrderResetFault modbus.Order = 8
	OrderSelfTest   modbus.Order = 50
)

const (
	fingerClosed     = 1000
	nominalVoltage   = 240 // 0.1 V
	defaultSpeedPct  = 50
	defaultTorquePct = 50
	fullTravelTime   = 500 * time.Millisecond // at 100 % speed
)

type motorMode uint8

const (
	modeIdle motorMode = iota
	modePosition
	modeVelocity
	modeCurrent
)

// Gripper is the simulated device state. All methods are safe for
// concurrent use.
type Gripper struct {
	mu sync.Mutex

	address     uint16
	enabled     bool
	initialized bool
	vacuum      bool
	impedance   bool
	stiffness   int16
	impSlave    int16

	mode      motorMode
	motorPos  int16
	motorVel  int16
	motorCur  int16
	targetPos int16
	posVel    uint16

	fingerPos    uint16
	fingerTarget uint16
	torque       uint16
	speed        uint16

	voltage uint16
	fault   uint16
	orders  uint64
}

func NewGripper(address uint16) *Gripper {
	return &Gripper{
		address: address,
		torque:  defaultTorquePct,
		speed:   defaultSpeedPct,
		voltage: nominalVoltage,
	}
}

// Apply executes one order block as the firmware would.
func (g *Gripper) Apply(order modbus.Order, p [3]int16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders++

	switch order {
	case modbus.OrderEnable:
		g.enabled = true
	case modbus.OrderDisable:
		g.enabled = false
		g.mode, g.motorVel, g.motorCur = modeIdle, 0, 0
	case modbus.OrderStop:
		g.mode, g.motorVel = modeIdle, 0
		g.targetPos = g.motorPos
		g.fingerTarget = g.fingerPos
	case modbus.OrderPosition:
		if !g.enabled {
			return ErrDisabled
		}
		g.mode, g.targetPos, g.posVel = modePosition, p[0], uint16(p[1])
	case modbus.OrderVelocity:
		if !g.enabled {
			return ErrDisabled
		}
		g.mode, g.motorVel = modeVelocity, p[0]
	case modbus.OrderCurrent:
		if !g.enabled {
			return ErrDisabled
		}
		g.mode, g.motorCur = modeCurrent, p[0]
	case modbus.OrderSetAddress:
		if p[0] < 1 || p[0] > 247 {
			return fmt.Errorf("address %d out of range", p[0])
		}
		g.address = uint16(p[0])
	case modbus.OrderGripInitialize:
		g.initialized = true
		g.fingerPos, g.fingerTarget = 0, 0
	case modbus.OrderGripOpen, modbus.OrderGripClose, modbus.OrderFingerPosition:
		if !g.initialized {
			return ErrNotInitialized
		}
		switch order {
		case modbus.OrderGripOpen:
			g.fingerTarget = 0
		case modbus.OrderGripClose:
			g.fingerTarget = fingerClosed
		default:
			g.fingerTarget = clampU16(p[0], 0, fingerClosed)
		}
	case modbus.OrderVacuumOn:
		g.vacuum = true
	case modbus.OrderVacuumOff:
		g.vacuum = false
	case modbus.OrderTorque:
		g.torque = clampU16(p[0], 0, 100)
	case modbus.OrderSpeed:
		g.speed = clampU16(p[0], 0, 100)
	case modbus.OrderImpedanceOn:
		g.impedance = true
	case modbus.OrderImpedanceOff:
		g.impedance = false
	case modbus.OrderImpedanceParams:
		g.impSlave, g.stiffness = p[0], p[1]
	case OrderResetFault:
		g.fault = modbus.FaultNone
	case OrderSelfTest:
	default:
		g.orders--
		return fmt.Errorf("%w: %d", ErrUnknownOrder, order)
	}
	return nil
}

// Step advances the motion model by dt.
func (g *Gripper) Step(dt time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fingerPos != g.fingerTarget && g.speed > 0 {
		step := int(float64(fingerClosed) * float64(g.speed) / 100 * float64(dt) / float64(fullTravelTime))
		if step < 1 {
			step = 1
		}
		g.fingerPos = approach(g.fingerPos, g.fingerTarget, step)
	}

	if !g.enabled {
		return
	}
	switch g.mode {
	case modePosition:
		step := int(float64(g.posVel) * dt.Seconds())
		if step < 1 {
			step = 1
		}
		g.motorPos = int16(approachInt(int(g.motorPos), int(g.targetPos), step))
		if g.motorPos == g.targetPos {
			g.motorVel = 0
		} else {
			g.motorVel = int16(min(int(g.posVel), 32767))
		}
	case modeVelocity:
		next := int(g.motorPos) + int(float64(g.motorVel)*dt.Seconds())
		g.motorPos = int16(max(-32768, min(32767, next)))
	}
}

func (g *Gripper) Status() datc.DeviceStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

func (g *Gripper) statusLocked() datc.DeviceStatus {
	var state uint16
	set := func(on bool, bit uint16) {
		if on {
			state |= bit
		}
	}
	set(g.enabled, datc.StateEnabled)
	set(g.initialized, datc.StateInitialized)
	set(g.fingerPos != g.fingerTarget || g.motorVel != 0, datc.StateMoving)
	set(g.fingerTarget == fingerClosed && g.fingerPos == fingerClosed, datc.StateGripDetected)
	set(g.vacuum, datc.StateVacuumOn)
	set(g.impedance, datc.StateImpedanceOn)
	set(g.fault != modbus.FaultNone, datc.StateFault)
	return datc.DeviceStatus{
		State:     state,
		MotorPos:  g.motorPos,
		MotorVel:  g.motorVel,
		MotorCur:  g.motorCur,
		FingerPos: g.fingerPos,
		Voltage:   g.voltage,
	}
}

// Registers renders the input register block.
func (g *Gripper) Registers() []uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return modbus.StatusRegisters(g.statusLocked(), g.fault)
}

func (g *Gripper) Address() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.address
}

func (g *Gripper) Orders() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orders
}

func (g *Gripper) SetFault(code uint16) {
	g.mu.Lock()
	g.fault = code
	g.mu.Unlock()
}

func (g *Gripper) SetVoltage(v uint16) {
	g.mu.Lock()
	g.voltage = v
	g.mu.Unlock()
}

// Snapshot is the JSON view served by the simulator's REST API.
type Snapshot struct {
	Address     uint16 `json:"address"`
	Enabled     bool   `json:"enabled"`
	Initialized bool   `json:"initialized"`
	Vacuum      bool   `json:"vacuum"`
	Impedance   bool   `json:"impedance"`
	Stiffness   int16  `json:"stiffness"`
	MotorPos    int16  `json:"motorPos"`
	MotorVel    int16  `json:"motorVel"`
	MotorCur    int16  `json:"motorCur"`
	FingerPos   uint16 `json:"fingerPos"`
	Target      uint16 `json:"fingerTarget"`
	Torque      uint16 `json:"torque"`
	Speed       uint16 `json:"speed"`
	Voltage     uint16 `json:"voltage"`
	Fault       uint16 `json:"fault"`
	Orders      uint64 `json:"orders"`
}

func (g *Gripper) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Address:     g.address,
		Enabled:     g.enabled,
		Initialized: g.initialized,
		Vacuum:      g.vacuum,
		Impedance:   g.impedance,
		Stiffness:   g.stiffness,
		MotorPos:    g.motorPos,
		MotorVel:    g.motorVel,
		MotorCur:    g.motorCur,
		FingerPos:   g.fingerPos,
		Target:      g.fingerTarget,
		Torque:      g.torque,
		Speed:       g.speed,
		Voltage:     g.voltage,
		Fault:       g.fault,
		Orders:      g.orders,
	}
}

func approach(cur, target uint16, step int) uint16 {
	return uint16(approachInt(int(cur), int(target), step))
}

func approachInt(cur, target, step int) int {
	switch {
	case cur < target:
		return min(cur+step, target)
	case cur > target:
		return max(cur-step, target)
	}
	return cur
}

func clampU16(v int16, lo, hi uint16) uint16 {
	if v < int16(lo) {
		return lo
	}
	if uint16(v) > hi {
		return hi
	}
	return uint16(v)
}
