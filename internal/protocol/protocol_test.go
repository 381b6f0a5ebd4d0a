package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/fisaks/datc/internal/datc"
)

func TestDecodeGripOpen(t *testing.T) {
	cmd, err := Decode([]byte(`{"operation":"GRIP_OPEN"}`))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if cmd.Op != datc.OpGripOpen || len(cmd.Args) != 0 {
		t.Fatalf("got %v", cmd)
	}
}

func TestDecodePositionControl(t *testing.T) {
	cmd, err := Decode([]byte(`{"operation":"POSITION_CONTROL","value_1":500,"value_2":250}`))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if cmd.Op != datc.OpPositionControl || !reflect.DeepEqual(cmd.Args, []int32{500, 250}) {
		t.Fatalf("got %v", cmd)
	}
}

func TestDecodeMissingValue2(t *testing.T) {
	cmd, err := Decode([]byte(`{"operation":"POSITION_CONTROL","value_1":500}`))
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Field != FieldValue2 {
		t.Fatalf("expected field value_2, got %#v", err)
	}
	if cmd.Op != 0 || cmd.Args != nil {
		t.Fatalf("partial command returned: %v", cmd)
	}
}

func TestDecodeNumericAndLegacyField(t *testing.T) {
	cmd, err := Decode([]byte(`{"command":4,"value_1":"-20","value_2":10}`))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if cmd.Op != datc.OpPositionControl || !reflect.DeepEqual(cmd.Args, []int32{-20, 10}) {
		t.Fatalf("got %v", cmd)
	}

	cmd, err = Decode([]byte(`{"operation":"grip_close"}`))
	if err != nil || cmd.Op != datc.OpGripClose {
		t.Fatalf("lower-case name: cmd=%v err=%v", cmd, err)
	}
}

func TestDecodeUnknownOperation(t *testing.T) {
	for _, line := range []string{
		`{"operation":"LAUNCH"}`,
		`{"operation":0}`,
		`{"operation":99}`,
		`{"operation":"CHANGE_SLAVE"}`,
	} {
		if _, err := Decode([]byte(line)); !errors.Is(err, ErrUnknownOperation) {
			t.Fatalf("%s: expected ErrUnknownOperation, got %v", line, err)
		}
	}
}

func TestDecodeMissingOperation(t *testing.T) {
	_, err := Decode([]byte(`{"value_1":3}`))
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrMissingField || perr.Field != FieldOperation {
		t.Fatalf("got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{``, `{`, `null`, `[1,2]`, `"GRIP_OPEN"`} {
		if _, err := Decode([]byte(line)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", line, err)
		}
	}
}

func TestDecodeRanges(t *testing.T) {
	cases := []string{
		`{"operation":"SET_FINGER_POSITION","value_1":1001}`,
		`{"operation":"SET_TORQUE","value_1":101}`,
		`{"operation":"SET_SPEED","value_1":-1}`,
		`{"operation":"POSITION_CONTROL","value_1":40000,"value_2":1}`,
		`{"operation":"CHANGE_MODBUS_ADDRESS","value_1":0}`,
		`{"operation":"VELOCITY_CONTROL","value_1":1.5}`,
	}
	for _, line := range cases {
		if _, err := Decode([]byte(line)); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("%s: expected ErrInvalidValue, got %v", line, err)
		}
	}
}

func TestDecodeChangeSlaveTakesPrecedence(t *testing.T) {
	cmd, err := Decode([]byte(`{"change_slave":3,"operation":"GRIP_OPEN"}`))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if !cmd.OutOfBand() || !reflect.DeepEqual(cmd.Args, []int32{3}) {
		t.Fatalf("got %v", cmd)
	}
	// even when the operation is garbage
	if _, err := Decode([]byte(`{"change_slave":3,"operation":"NOPE"}`)); err != nil {
		t.Fatalf("change_slave should win, got %v", err)
	}
	if _, err := Decode([]byte(`{"change_slave":300}`)); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected range error, got %v", err)
	}
}

func TestDecodeCustom(t *testing.T) {
	cmd, err := Decode([]byte(`{"operation":"CUSTOM","address":211,"values":[1,2,3]}`))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if !reflect.DeepEqual(cmd.Args, []int32{211, 1, 2, 3}) {
		t.Fatalf("got %v", cmd.Args)
	}
	cmd, err = Decode([]byte(`{"operation":"CUSTOM","address":8}`))
	if err != nil || !reflect.DeepEqual(cmd.Args, []int32{8}) {
		t.Fatalf("no values: cmd=%v err=%v", cmd, err)
	}
	if _, err := Decode([]byte(`{"operation":"CUSTOM","values":[1]}`)); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected missing address, got %v", err)
	}
	if _, err := Decode([]byte(`{"operation":"CUSTOM","address":1,"values":[1,2,3,4]}`)); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected too many values, got %v", err)
	}
}

func TestEncodeStatus(t *testing.T) {
	s := datc.DeviceStatus{
		State:     datc.StateEnabled | datc.StateInitialized,
		MotorPos:  -12,
		MotorVel:  3,
		MotorCur:  40,
		FingerPos: 505,
		Voltage:   240,
	}
	want := `{"state":3,"motor_pos":-12,"motor_vel":3,"motor_cur":40,"finger_pos":505,"voltage":240}` + "\n"
	if got := string(Encode(s)); got != want {
		t.Fatalf("Encode\n got %s\nwant %s", got, want)
	}

	s.Diagnostic = `bus "timeout"`
	back, err := DecodeStatus(Encode(s))
	if err != nil {
		t.Fatalf("DecodeStatus err=%v", err)
	}
	if back != s {
		t.Fatalf("status mismatch: %+v vs %+v", back, s)
	}
}

func TestEncodeCommandDecodes(t *testing.T) {
	cmds := []datc.Command{
		{Op: datc.OpEnable},
		{Op: datc.OpPositionControl, Args: []int32{-100, 20}},
		{Op: datc.OpSetImpedanceParams, Args: []int32{1, 5}},
		{Op: datc.OpCustom, Args: []int32{214, 7, 8}},
		{Op: datc.OpChangeSlave, Args: []int32{2}},
	}
	for _, c := range cmds {
		got, err := Decode(EncodeCommand(c))
		if err != nil {
			t.Fatalf("%v: %v", c, err)
		}
		if got.Op != c.Op || !reflect.DeepEqual(got.Args, c.Args) {
			t.Fatalf("got %v want %v", got, c)
		}
	}
}
