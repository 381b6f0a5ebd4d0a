// Package protocol maps device status and client commands to the
// line-delimited JSON records exchanged over the command socket.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/util"
)

// Field names on the wire.
const (
	FieldOperation   = "operation"
	FieldCommand     = "command" // legacy alias of operation
	FieldChangeSlave = "change_slave"
	FieldValue1      = "value_1"
	FieldValue2      = "value_2"
	FieldAddress     = "address"
	FieldValues      = "values"
)

// MaxRecordSize bounds a single inbound record.
const MaxRecordSize = 64 * 1024

type valueKind uint8

const (
	kindInt16 valueKind = iota
	kindUint16
	kindSlaveAddress
	kindPermille
	kindPercent
)

type param struct {
	field string
	kind  valueKind
}

var operationParams = map[datc.Operation][]param{
	datc.OpPositionControl:     {{FieldValue1, kindInt16}, {FieldValue2, kindUint16}},
	datc.OpVelocityControl:     {{FieldValue1, kindInt16}},
	datc.OpCurrentControl:      {{FieldValue1, kindInt16}},
	datc.OpChangeModbusAddress: {{FieldValue1, kindSlaveAddress}},
	datc.OpSetFingerPosition:   {{FieldValue1, kindPermille}},
	datc.OpSetTorque:           {{FieldValue1, kindPercent}},
	datc.OpSetSpeed:            {{FieldValue1, kindPercent}},
	datc.OpSetImpedanceParams:  {{FieldValue1, kindInt16}, {FieldValue2, kindInt16}},
}

const maxCustomValues = 3

// Encode renders one status record terminated by a newline.
func Encode(s datc.DeviceStatus) []byte {
	var b bytes.Buffer
	b.Grow(128)
	b.WriteString(`{"state":`)
	b.WriteString(strconv.FormatUint(uint64(s.State), 10))
	b.WriteString(`,"motor_pos":`)
	b.WriteString(strconv.FormatInt(int64(s.MotorPos), 10))
	b.WriteString(`,"motor_vel":`)
	b.WriteString(strconv.FormatInt(int64(s.MotorVel), 10))
	b.WriteString(`,"motor_cur":`)
	b.WriteString(strconv.FormatInt(int64(s.MotorCur), 10))
	b.WriteString(`,"finger_pos":`)
	b.WriteString(strconv.FormatUint(uint64(s.FingerPos), 10))
	b.WriteString(`,"voltage":`)
	b.WriteString(strconv.FormatUint(uint64(s.Voltage), 10))
	if s.Diagnostic != "" {
		b.WriteString(`,"diagnostic":`)
		diag, _ := json.Marshal(s.Diagnostic)
		b.Write(diag)
	}
	b.WriteString("}\n")
	return b.Bytes()
}

// StatusRecord is the decoded form of an Encode record, used by clients.
type StatusRecord struct {
	State      uint16 `json:"state"`
	MotorPos   int16  `json:"motor_pos"`
	MotorVel   int16  `json:"motor_vel"`
	MotorCur   int16  `json:"motor_cur"`
	FingerPos  uint16 `json:"finger_pos"`
	Voltage    uint16 `json:"voltage"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

func DecodeStatus(line []byte) (datc.DeviceStatus, error) {
	var r StatusRecord
	if err := json.Unmarshal(line, &r); err != nil {
		return datc.DeviceStatus{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return datc.DeviceStatus{
		State:      r.State,
		MotorPos:   r.MotorPos,
		MotorVel:   r.MotorVel,
		MotorCur:   r.MotorCur,
		FingerPos:  r.FingerPos,
		Voltage:    r.Voltage,
		Diagnostic: r.Diagnostic,
	}, nil
}

// Decode parses and validates one command record. A rejected record
// yields a *Error and a zero Command.
func Decode(line []byte) (datc.Command, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return datc.Command{}, &Error{Kind: ErrMalformed, Detail: err.Error()}
	}
	if fields == nil {
		return datc.Command{}, &Error{Kind: ErrMalformed, Detail: "record is not an object"}
	}

	if raw, ok := fields[FieldChangeSlave]; ok {
		addr, err := value(FieldChangeSlave, raw, kindSlaveAddress)
		if err != nil {
			return datc.Command{}, err
		}
		return datc.Command{Op: datc.OpChangeSlave, Args: []int32{addr}}, nil
	}

	op, err := operation(fields)
	if err != nil {
		return datc.Command{}, err
	}
	if op == datc.OpCustom {
		return custom(fields)
	}

	params := operationParams[op]
	cmd := datc.Command{Op: op}
	if len(params) > 0 {
		cmd.Args = make([]int32, 0, len(params))
	}
	for _, p := range params {
		raw, ok := fields[p.field]
		if !ok || raw == nil {
			return datc.Command{}, missing(p.field)
		}
		v, err := value(p.field, raw, p.kind)
		if err != nil {
			return datc.Command{}, err
		}
		cmd.Args = append(cmd.Args, v)
	}
	return cmd, nil
}

func operation(fields map[string]any) (datc.Operation, error) {
	raw, ok := fields[FieldOperation]
	field := FieldOperation
	if !ok {
		raw, ok = fields[FieldCommand]
		field = FieldCommand
	}
	if !ok || raw == nil {
		return 0, missing(FieldOperation)
	}
	if name, isString := raw.(string); isString {
		if op, found := datc.ParseOperation(name); found {
			return op, nil
		}
	}
	code, isNumber := util.ToUint16(raw)
	if isNumber && datc.Operation(code).Valid() {
		return datc.Operation(code), nil
	}
	return 0, &Error{Kind: ErrUnknownOperation, Field: field, Detail: fmt.Sprint(raw)}
}

func custom(fields map[string]any) (datc.Command, error) {
	raw, ok := fields[FieldAddress]
	if !ok || raw == nil {
		return datc.Command{}, missing(FieldAddress)
	}
	addr, err := value(FieldAddress, raw, kindUint16)
	if err != nil {
		return datc.Command{}, err
	}
	cmd := datc.Command{Op: datc.OpCustom, Args: []int32{addr}}

	rawValues, ok := fields[FieldValues]
	if !ok || rawValues == nil {
		return cmd, nil
	}
	list, isList := rawValues.([]any)
	if !isList {
		return datc.Command{}, invalid(FieldValues, "must be an array")
	}
	if len(list) > maxCustomValues {
		return datc.Command{}, invalid(FieldValues, fmt.Sprintf("at most %d values", maxCustomValues))
	}
	for i, item := range list {
		v, err := value(fmt.Sprintf("%s[%d]", FieldValues, i), item, kindInt16)
		if err != nil {
			return datc.Command{}, err
		}
		cmd.Args = append(cmd.Args, v)
	}
	return cmd, nil
}

func value(field string, raw any, kind valueKind) (int32, error) {
	n, ok := util.ToInt64(raw)
	if !ok {
		return 0, invalid(field, fmt.Sprintf("not an integer: %v", raw))
	}
	lo, hi := bounds(kind)
	if n < lo || n > hi {
		return 0, invalid(field, fmt.Sprintf("%d out of range %d..%d", n, lo, hi))
	}
	return int32(n), nil
}

func bounds(kind valueKind) (int64, int64) {
	switch kind {
	case kindUint16:
		return 0, math.MaxUint16
	case kindSlaveAddress:
		return 1, 247
	case kindPermille:
		return 0, 1000
	case kindPercent:
		return 0, 100
	default:
		return math.MinInt16, math.MaxInt16
	}
}

// EncodeCommand renders cmd the way a client would send it. It is the
// inverse of Decode for valid commands.
func EncodeCommand(cmd datc.Command) []byte {
	rec := map[string]any{}
	switch {
	case cmd.Op == datc.OpChangeSlave:
		rec[FieldChangeSlave] = argAt(cmd, 0)
	case cmd.Op == datc.OpCustom:
		rec[FieldOperation] = cmd.Op.String()
		rec[FieldAddress] = argAt(cmd, 0)
		if len(cmd.Args) > 1 {
			rec[FieldValues] = cmd.Args[1:]
		}
	default:
		rec[FieldOperation] = cmd.Op.String()
		for i, p := range operationParams[cmd.Op] {
			rec[p.field] = argAt(cmd, i)
		}
	}
	out, _ := json.Marshal(rec)
	return append(out, '\n')
}

func argAt(cmd datc.Command, i int) int32 {
	if i < len(cmd.Args) {
		return cmd.Args[i]
	}
	return 0
}
