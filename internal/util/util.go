package util

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ToInt64 accepts the loose shapes JSON clients send for numbers:
// json.Number, float64, ints and numeric strings. Fractions are rejected.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		return floatToInt(n.String())
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint16:
		return int64(n), true
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 0, 64); err == nil {
			return i, true
		}
		return floatToInt(s)
	default:
		return 0, false
	}
}

func floatToInt(s string) (int64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return ToInt64(f)
}

func ToUint16(v any) (uint16, bool) {
	i, ok := ToInt64(v)
	if !ok || i < 0 || i > math.MaxUint16 {
		return 0, false
	}
	return uint16(i), true
}
