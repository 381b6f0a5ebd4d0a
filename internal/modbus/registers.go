package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/fisaks/datc/internal/datc"
)

// Holding registers: an order is written as one block starting at
// RegOrder. The gripper clears RegOrder once the order is taken.
const (
	RegOrder uint16 = iota
	RegParam1
	RegParam2
	RegParam3

	OrderRegisterCount = 4
	MaxOrderParams     = OrderRegisterCount - 1
)

// Input registers, read as one block by ReadStatus.
const (
	InState uint16 = iota
	InMotorPos
	InMotorVel
	InMotorCur
	InFingerPos
	InVoltage
	InFault

	StatusRegisterCount = 7
)

type Order uint16

const (
	OrderEnable          Order = 1
	OrderDisable         Order = 2
	OrderStop            Order = 3
	OrderPosition        Order = 4
	OrderVelocity        Order = 5
	OrderCurrent         Order = 6
	OrderSetAddress      Order = 7
	OrderGripInitialize  Order = 101
	OrderGripOpen        Order = 102
	OrderGripClose       Order = 103
	OrderFingerPosition  Order = 104
	OrderVacuumOn        Order = 105
	OrderVacuumOff       Order = 106
	OrderTorque          Order = 107
	OrderSpeed           Order = 108
	OrderImpedanceOn     Order = 121
	OrderImpedanceOff    Order = 122
	OrderImpedanceParams Order = 123
)

// Fault codes reported in InFault.
const (
	FaultNone uint16 = iota
	FaultOvercurrent
	FaultOvertemperature
	FaultUndervoltage
	FaultPosition
	FaultCommunication
)

var faultText = map[uint16]string{
	FaultOvercurrent:     "overcurrent",
	FaultOvertemperature: "overtemperature",
	FaultUndervoltage:    "undervoltage",
	FaultPosition:        "position error",
	FaultCommunication:   "internal communication error",
}

func FaultText(code uint16) string {
	if code == FaultNone {
		return ""
	}
	if s, ok := faultText[code]; ok {
		return s
	}
	return fmt.Sprintf("fault %d", code)
}

// EncodeOrder lays out the order block in Modbus byte order. Missing
// params are sent as zero.
func EncodeOrder(order Order, params ...int16) ([]byte, error) {
	if len(params) > MaxOrderParams {
		return nil, fmt.Errorf("order %d: %d params, at most %d", order, len(params), MaxOrderParams)
	}
	buf := make([]byte, OrderRegisterCount*2)
	binary.BigEndian.PutUint16(buf, uint16(order))
	for i, p := range params {
		binary.BigEndian.PutUint16(buf[2*(i+1):], uint16(p))
	}
	return buf, nil
}

// DecodeStatus converts the raw input register block to a status.
func DecodeStatus(raw []byte) (datc.DeviceStatus, error) {
	if len(raw) < StatusRegisterCount*2 {
		return datc.DeviceStatus{}, fmt.Errorf("status block too short: %d bytes", len(raw))
	}
	reg := func(i uint16) uint16 { return binary.BigEndian.Uint16(raw[2*i:]) }
	s := datc.DeviceStatus{
		State:     reg(InState),
		MotorPos:  int16(reg(InMotorPos)),
		MotorVel:  int16(reg(InMotorVel)),
		MotorCur:  int16(reg(InMotorCur)),
		FingerPos: reg(InFingerPos),
		Voltage:   reg(InVoltage),
	}
	if fault := reg(InFault); fault != FaultNone {
		s.State |= datc.StateFault
		s.Diagnostic = FaultText(fault)
	}
	return s, nil
}

// StatusRegisters is the inverse of DecodeStatus, used by the simulator.
func StatusRegisters(s datc.DeviceStatus, fault uint16) []uint16 {
	return []uint16{
		InState:     s.State,
		InMotorPos:  uint16(s.MotorPos),
		InMotorVel:  uint16(s.MotorVel),
		InMotorCur:  uint16(s.MotorCur),
		InFingerPos: s.FingerPos,
		InVoltage:   s.Voltage,
		InFault:     fault,
	}
}
