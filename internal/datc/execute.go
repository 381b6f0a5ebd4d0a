package datc

import (
	"errors"
	"fmt"
)

var ErrUnsupportedOperation = errors.New("unsupported operation")

// Execute invokes the backend operation matching cmd. The caller must
// hold the device mutex (see Device.Do).
func Execute(b DeviceBackend, cmd Command) error {
	switch cmd.Op {
	case OpEnable:
		return b.Enable()
	case OpDisable:
		return b.Disable()
	case OpStop:
		return b.Stop()
	case OpPositionControl:
		return b.PositionControl(int16(cmd.arg(0)), uint16(cmd.arg(1)))
	case OpVelocityControl:
		return b.VelocityControl(int16(cmd.arg(0)))
	case OpCurrentControl:
		return b.CurrentControl(int16(cmd.arg(0)))
	case OpChangeModbusAddress:
		return b.SetAddress(uint16(cmd.arg(0)))
	case OpGripInitialize:
		return b.GripInitialize()
	case OpGripOpen:
		return b.GripOpen()
	case OpGripClose:
		return b.GripClose()
	case OpSetFingerPosition:
		return b.SetFingerPosition(uint16(cmd.arg(0)))
	case OpVacuumOn:
		return b.VacuumOn()
	case OpVacuumOff:
		return b.VacuumOff()
	case OpSetTorque:
		return b.SetTorque(uint16(cmd.arg(0)))
	case OpSetSpeed:
		return b.SetSpeed(uint16(cmd.arg(0)))
	case OpImpedanceOn:
		return b.ImpedanceOn()
	case OpImpedanceOff:
		return b.ImpedanceOff()
	case OpSetImpedanceParams:
		return b.SetImpedanceParams(int16(cmd.arg(0)), int16(cmd.arg(1)))
	case OpCustom:
		values := make([]int16, 0, 3)
		for i := 1; i < len(cmd.Args); i++ {
			values = append(values, int16(cmd.Args[i]))
		}
		return b.CustomCommand(uint16(cmd.arg(0)), values...)
	case OpChangeSlave:
		return b.ChangeAddress(uint16(cmd.arg(0)))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, cmd.Op)
	}
}
