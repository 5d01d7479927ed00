package catalog

import (
	"math"
	"strconv"
	"strings"
)

// Value is a flattened metadata value: a string or a number.
type Value struct {
	Str   string
	Num   float64
	IsNum bool
}

func String(s string) Value  { return Value{Str: s} }
func Number(f float64) Value { return Value{Num: f, IsNum: true} }

// ValueOf converts a decoded JSON or YAML scalar. Other kinds report false.
func ValueOf(x any) (Value, bool) {
	switch t := x.(type) {
	case string:
		return String(t), true
	case float64:
		return Number(t), true
	case float32:
		return Number(float64(t)), true
	case int:
		return Number(float64(t)), true
	case int64:
		return Number(float64(t)), true
	case uint64:
		return Number(float64(t)), true
	case bool:
		return String(strconv.FormatBool(t)), true
	default:
		return Value{}, false
	}
}

func (v Value) number() (float64, bool) {
	if v.IsNum {
		return v.Num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func (v Value) String() string {
	if v.IsNum {
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	}
	return v.Str
}

// Equal compares numerically when both sides read as numbers and by
// canonical string otherwise.
func (v Value) Equal(o Value) bool {
	a, aok := v.number()
	b, bok := o.number()
	if aok && bok {
		return a == b
	}
	return strings.TrimSpace(v.String()) == strings.TrimSpace(o.String())
}

type Condition struct {
	Key      string
	Expected Value
}

// Selector is an AND of key/value conditions over flattened band metadata.
type Selector []Condition

func (s Selector) Match(meta map[string]Value) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		got, ok := meta[c.Key]
		if !ok || !got.Equal(c.Expected) {
			return false
		}
	}
	return true
}
