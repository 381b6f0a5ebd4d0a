package datc

import (
	"fmt"
	"strings"
)

// Operation identifies a command variant. The numeric values are the
// wire codes accepted in the "operation" field.
type Operation uint16

const (
	OpEnable Operation = iota + 1
	OpDisable
	OpStop
	OpPositionControl
	OpVelocityControl
	OpCurrentControl
	OpChangeModbusAddress
	OpGripInitialize
	OpGripOpen
	OpGripClose
	OpSetFingerPosition
	OpVacuumOn
	OpVacuumOff
	OpSetTorque
	OpSetSpeed
	OpImpedanceOn
	OpImpedanceOff
	OpSetImpedanceParams
	OpCustom
)

// OpChangeSlave has no wire code: it is selected by the change_slave
// field and handled out of band.
const OpChangeSlave Operation = 0x100

var opNames = map[Operation]string{
	OpEnable:              "ENABLE",
	OpDisable:             "DISABLE",
	OpStop:                "STOP",
	OpPositionControl:     "POSITION_CONTROL",
	OpVelocityControl:     "VELOCITY_CONTROL",
	OpCurrentControl:      "CURRENT_CONTROL",
	OpChangeModbusAddress: "CHANGE_MODBUS_ADDRESS",
	OpGripInitialize:      "GRIP_INITIALIZE",
	OpGripOpen:            "GRIP_OPEN",
	OpGripClose:           "GRIP_CLOSE",
	OpSetFingerPosition:   "SET_FINGER_POSITION",
	OpVacuumOn:            "VACUUM_ON",
	OpVacuumOff:           "VACUUM_OFF",
	OpSetTorque:           "SET_TORQUE",
	OpSetSpeed:            "SET_SPEED",
	OpImpedanceOn:         "IMPEDANCE_ON",
	OpImpedanceOff:        "IMPEDANCE_OFF",
	OpSetImpedanceParams:  "SET_IMPEDANCE_PARAMS",
	OpCustom:              "CUSTOM",
	OpChangeSlave:         "CHANGE_SLAVE",
}

func (o Operation) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Operation(%d)", uint16(o))
}

// Valid reports whether o is one of the wire operations.
func (o Operation) Valid() bool {
	return o >= OpEnable && o <= OpCustom
}

// ParseOperation resolves a symbolic operation name, case-insensitively.
// CHANGE_SLAVE is not accepted here.
func ParseOperation(name string) (Operation, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for op, n := range opNames {
		if n == name && op.Valid() {
			return op, true
		}
	}
	return 0, false
}

// Command is a fully validated request. Args holds the variant's fields
// in declaration order; for OpCustom Args[0] is the address followed by
// up to three values.
type Command struct {
	Op     Operation
	Args   []int32
	Client string
}

func (c Command) OutOfBand() bool { return c.Op == OpChangeSlave }

func (c Command) arg(i int) int32 {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return 0
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Op.String()
	}
	return fmt.Sprintf("%s%v", c.Op, c.Args)
}
