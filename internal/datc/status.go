package datc

import "strings"

// State flag bits reported in DeviceStatus.State.
const (
	StateEnabled uint16 = 1 << iota
	StateInitialized
	StateMoving
	StateGripDetected
	StateVacuumOn
	StateImpedanceOn
	StateFault
)

var stateNames = []struct {
	bit  uint16
	name string
}{
	{StateEnabled, "enabled"},
	{StateInitialized, "initialized"},
	{StateMoving, "moving"},
	{StateGripDetected, "grip_detected"},
	{StateVacuumOn, "vacuum_on"},
	{StateImpedanceOn, "impedance_on"},
	{StateFault, "fault"},
}

// DeviceStatus is one poll snapshot. It is passed by value and never
// mutated after the tick that produced it.
type DeviceStatus struct {
	State      uint16
	MotorPos   int16
	MotorVel   int16
	MotorCur   int16
	FingerPos  uint16 // tenths of a percent of full travel
	Voltage    uint16
	Diagnostic string
}

func (s DeviceStatus) Has(flag uint16) bool { return s.State&flag != 0 }

// StateString renders the set flags, e.g. "enabled,initialized".
func StateString(state uint16) string {
	var b strings.Builder
	for _, n := range stateNames {
		if state&n.bit == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(n.name)
	}
	return b.String()
}
