package datc_test

import (
	"errors"
	"testing"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/datc/datctest"
)

func TestExecuteDispatchesEveryOperation(t *testing.T) {
	cases := []struct {
		cmd  datc.Command
		want string
	}{
		{datc.Command{Op: datc.OpEnable}, "Enable"},
		{datc.Command{Op: datc.OpDisable}, "Disable"},
		{datc.Command{Op: datc.OpStop}, "Stop"},
		{datc.Command{Op: datc.OpPositionControl, Args: []int32{500, 250}}, "PositionControl(500,250)"},
		{datc.Command{Op: datc.OpVelocityControl, Args: []int32{-30}}, "VelocityControl(-30)"},
		{datc.Command{Op: datc.OpCurrentControl, Args: []int32{12}}, "CurrentControl(12)"},
		{datc.Command{Op: datc.OpChangeModbusAddress, Args: []int32{5}}, "SetAddress(5)"},
		{datc.Command{Op: datc.OpGripInitialize}, "GripInitialize"},
		{datc.Command{Op: datc.OpGripOpen}, "GripOpen"},
		{datc.Command{Op: datc.OpGripClose}, "GripClose"},
		{datc.Command{Op: datc.OpSetFingerPosition, Args: []int32{750}}, "SetFingerPosition(750)"},
		{datc.Command{Op: datc.OpVacuumOn}, "VacuumOn"},
		{datc.Command{Op: datc.OpVacuumOff}, "VacuumOff"},
		{datc.Command{Op: datc.OpSetTorque, Args: []int32{40}}, "SetTorque(40)"},
		{datc.Command{Op: datc.OpSetSpeed, Args: []int32{90}}, "SetSpeed(90)"},
		{datc.Command{Op: datc.OpImpedanceOn}, "ImpedanceOn"},
		{datc.Command{Op: datc.OpImpedanceOff}, "ImpedanceOff"},
		{datc.Command{Op: datc.OpSetImpedanceParams, Args: []int32{1, -7}}, "SetImpedanceParams(1,-7)"},
		{datc.Command{Op: datc.OpCustom, Args: []int32{211, 1, 2}}, "CustomCommand(211,1,2)"},
		{datc.Command{Op: datc.OpCustom}, "CustomCommand(0)"},
		{datc.Command{Op: datc.OpChangeSlave, Args: []int32{3}}, "ChangeAddress(3)"},
	}
	for _, tc := range cases {
		b := datctest.Connected(1)
		if err := datc.Execute(b, tc.cmd); err != nil {
			t.Fatalf("%v: err=%v", tc.cmd, err)
		}
		names := b.Names()
		if len(names) != 1 || names[0] != tc.want {
			t.Fatalf("%v: calls=%v want %s", tc.cmd, names, tc.want)
		}
	}
}

func TestExecuteUnsupported(t *testing.T) {
	b := datctest.Connected(1)
	err := datc.Execute(b, datc.Command{Op: 99})
	if !errors.Is(err, datc.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
	if len(b.Calls()) != 0 {
		t.Fatalf("backend touched: %v", b.Calls())
	}
}

func TestExecuteReturnsBackendError(t *testing.T) {
	b := datctest.Connected(1)
	b.FailOps = errors.New("bus timeout")
	if err := datc.Execute(b, datc.Command{Op: datc.OpGripClose}); err != b.FailOps {
		t.Fatalf("got %v", err)
	}
}

func TestParseOperation(t *testing.T) {
	if op, ok := datc.ParseOperation(" vacuum_on "); !ok || op != datc.OpVacuumOn {
		t.Fatalf("got %v %v", op, ok)
	}
	if _, ok := datc.ParseOperation("CHANGE_SLAVE"); ok {
		t.Fatal("CHANGE_SLAVE must not parse as a wire operation")
	}
	if datc.OpChangeSlave.Valid() || !datc.OpCustom.Valid() {
		t.Fatal("Valid mismatch")
	}
}

func TestStateString(t *testing.T) {
	got := datc.StateString(datc.StateEnabled | datc.StateVacuumOn | datc.StateFault)
	if got != "enabled,vacuum_on,fault" {
		t.Fatalf("got %q", got)
	}
	if datc.StateString(0) != "" {
		t.Fatal("expected empty")
	}
}
