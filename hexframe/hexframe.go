// Package hexframe implements the proprietary binary frame format spoken by
// Solix devices over MQTT: a fixed header, a set of keyed TLV fields and a
// trailing XOR checksum. Frames decode into loosely typed value maps and
// encode from descriptor-driven field updates.
package hexframe

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wire type tags. Fields of length 1 carry no tag at all.
type Type byte

const (
	TypeStr  Type = 0x00
	TypeUi   Type = 0x01
	TypeSile Type = 0x02
	TypeVar  Type = 0x03
	TypeBin  Type = 0x04
	TypeSfle Type = 0x05
	TypeStrb Type = 0x06
	TypeJson Type = 0xfe
	TypeUnk  Type = 0xff
)

func (t Type) String() string {
	switch t {
	case TypeStr:
		return "str"
	case TypeUi:
		return "ui"
	case TypeSile:
		return "sile"
	case TypeVar:
		return "var"
	case TypeBin:
		return "bin"
	case TypeSfle:
		return "sfle"
	case TypeStrb:
		return "strb"
	case TypeJson:
		return "json"
	case TypeUnk:
		return "unk"
	}
	return fmt.Sprintf("Type(%02x)", byte(t))
}

// Desc is the encode-relevant slice of a field descriptor: everything
// Field.Update needs to turn a user value into wire bytes. JSON tags follow
// the mqttmap definitions file format.
type Desc struct {
	Name    string      `json:"name"`
	Length  int         `json:"length"`
	Signed  *bool       `json:"signed"` // nil means signed, matching device firmware defaults
	Default interface{} `json:"value_default"`
	Min     *float64    `json:"value_min"`
	Max     *float64    `json:"value_max"`
	Step    *float64    `json:"value_step"`
	Divider float64     `json:"value_divider"` // 0 means 1
	Options *Options    `json:"value_options"`
}

func (d *Desc) signed() bool {
	if d == nil || d.Signed == nil {
		return true
	}
	return *d.Signed
}

func (d *Desc) divider() float64 {
	if d == nil || d.Divider == 0 {
		return 1
	}
	return d.Divider
}

// Options restricts an updatable field to an allowed list, or maps
// human-readable names to wire ordinals. The JSON form is either an array
// or an object.
type Options struct {
	List  []interface{}
	Named map[string]interface{}
}

func (o *Options) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(b, &o.List)
	}
	return json.Unmarshal(b, &o.Named)
}

// numberValue coerces the value types that reach the codec from JSON
// payloads, descriptor defaults and caller parameters.
func numberValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// RoundByFactor rounds value to the decimal precision of factor, so a step
// of 0.1 yields one decimal, 1 yields integers and so on.
func RoundByFactor(value, factor float64) float64 {
	fs := strconv.FormatFloat(factor, 'f', 15, 64)
	fs = strings.TrimRight(fs, "0")
	fs = strings.TrimRight(fs, ".")
	decimals := 0
	if dot := strings.IndexByte(fs, '.'); dot >= 0 {
		decimals = len(fs) - dot - 1
	}
	p := math.Pow(10, float64(decimals))
	rounded := math.Round(value*p) / p
	if rounded == 0 {
		return 0
	}
	return rounded
}

// checkValue validates a candidate value against the descriptor constraints
// and returns the (possibly mapped or rounded) value to encode.
func (d *Desc) checkValue(value interface{}) (interface{}, bool) {
	if d == nil || (d.Options == nil && d.Min == nil && d.Max == nil && d.Step == nil) {
		return value, true
	}

	if d.Options != nil {
		if len(d.Options.List) > 0 {
			want := fmt.Sprint(value)
			for _, o := range d.Options.List {
				if fmt.Sprint(o) == want {
					return value, true
				}
			}
			return nil, false
		}
		if len(d.Options.Named) > 0 {
			if s, ok := value.(string); ok {
				if mapped, ok := d.Options.Named[s]; ok {
					return mapped, true
				}
				if mapped, ok := d.Options.Named[strings.ToLower(s)]; ok {
					return mapped, true
				}
			}
			if n, ok := numberValue(value); ok && n == math.Trunc(n) {
				if mapped, ok := d.Options.Named[strconv.FormatInt(int64(n), 10)]; ok {
					return mapped, true
				}
			}
			want := fmt.Sprint(value)
			for _, o := range d.Options.Named {
				if fmt.Sprint(o) == want {
					return value, true
				}
			}
			return nil, false
		}
	}

	min, max, step := float64(0), float64(0), float64(0)
	if d.Min != nil {
		min = *d.Min
	}
	if d.Max != nil {
		max = *d.Max
	}
	if d.Step != nil {
		step = *d.Step
	}

	if num, ok := numberValue(value); ok {
		if min < max && (num < min || num > max) {
			return nil, false
		}
		if step > 0 {
			return RoundByFactor(step*math.Round(num/step), step), true
		}
		return num, true
	}

	if min > 0 || max > 0 {
		return nil, false
	}
	return value, true
}

// ConvertTimeString packs "HH:MM" or "HH:MM:SS" into reversed byte order as
// devices expect: (minutes, hours) or (seconds, minutes, hours).
func ConvertTimeString(value string) ([]byte, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, false
	}
	nums := make([]int, 0, 3)
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		nums = append(nums, n)
	}
	if len(nums) == 2 {
		return []byte{byte(nums[1]), byte(nums[0])}, true
	}
	return []byte{byte(nums[2]), byte(nums[1]), byte(nums[0])}, true
}

func xorChecksum(data []byte) byte {
	var c byte
	for _, b := range data {
		c ^= b
	}
	return c
}
