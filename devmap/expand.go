package devmap

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"

	"github.com/solixapi/solix/hexframe"
)

// ExpandValues decodes a frame and applies the model's descriptor blocks:
// raw field keys gain their descriptive names, binary blob fields are split
// into byte-offset sub-values with factor and sign applied, and JSON fields
// get their keys renamed recursively. Unknown models yield the raw values.
func ExpandValues(t Table, frame *hexframe.Frame) map[string]interface{} {
	out := frame.DecodedValues()
	if frame.Model == "" {
		return out
	}

	for _, block := range t[frame.Model] {
		for fieldKey, desc := range block.Fields {
			if desc.Name != "" {
				if value, ok := out[fieldKey]; ok {
					out[desc.Name] = value
				}
			}

			if len(desc.Bytes) > 0 {
				if field, ok := frame.Fields[fieldKey]; ok {
					expandBytes(desc.Bytes, field.Value, out)
				}
			}

			if len(desc.JSON) > 0 {
				if dict, ok := out[fieldKey].(map[string]interface{}); ok {
					applyJSONMap(desc.JSON, dict, out)
				}
			}
		}
	}
	return out
}

func expandBytes(subs map[string]*Descriptor, data []byte, out map[string]interface{}) {
	for offsetKey, sub := range subs {
		if sub == nil || sub.Name == "" {
			continue
		}
		offset64, err := strconv.ParseInt(offsetKey, 16, 32)
		if err != nil {
			offset64, err = strconv.ParseInt(offsetKey, 10, 32)
			if err != nil {
				offset64 = 0
			}
		}
		offset := int(offset64)
		if offset < 0 || offset >= len(data) {
			continue
		}
		length := decodeLength(sub, len(data)-offset)
		if length <= 0 || offset+length > len(data) {
			continue
		}
		if value, ok := decodeValue(data[offset:offset+length], sub); ok {
			out[sub.Name] = value
		}
	}
}

func applyJSONMap(entries map[string]*JSONEntry, source, out map[string]interface{}) {
	for key, entry := range entries {
		if entry == nil {
			continue
		}
		if entry.Name != "" {
			if found, ok := source[key]; ok {
				out[entry.Name] = found
			}
		}
		if len(entry.Sub) > 0 {
			if nested, ok := source[key].(map[string]interface{}); ok {
				applyJSONMap(entry.Sub, nested, out)
			}
		}
	}
}

// decodeLength is the byte width of one sub-field: explicit length wins,
// otherwise the natural width of the wire type.
func decodeLength(d *Descriptor, available int) int {
	if d.Length > 0 {
		if d.Length < available {
			return d.Length
		}
		return available
	}
	min := func(a int) int {
		if a < available {
			return a
		}
		return available
	}
	if d.Type == nil {
		return min(1)
	}
	switch hexframe.Type(*d.Type) {
	case hexframe.TypeUi:
		return min(1)
	case hexframe.TypeSile:
		return min(2)
	case hexframe.TypeVar, hexframe.TypeSfle:
		return min(4)
	case hexframe.TypeStr, hexframe.TypeJson:
		return available
	}
	return min(1)
}

func decodeValue(data []byte, d *Descriptor) (interface{}, bool) {
	factor := d.factor()
	if d.Type == nil {
		if len(data) == 0 {
			return nil, false
		}
		return float64(data[len(data)-1]) * factor, true
	}

	switch hexframe.Type(*d.Type) {
	case hexframe.TypeUi:
		if len(data) == 0 {
			return nil, false
		}
		return float64(data[0]) * factor, true
	case hexframe.TypeSile:
		if len(data) < 2 {
			return nil, false
		}
		raw := binary.LittleEndian.Uint16(data)
		if d.signed() {
			return float64(int16(raw)) * factor, true
		}
		return float64(raw) * factor, true
	case hexframe.TypeVar:
		if len(data) < 4 {
			return nil, false
		}
		raw := binary.LittleEndian.Uint32(data)
		if d.signed() {
			return float64(int32(raw)) * factor, true
		}
		return float64(raw) * factor, true
	case hexframe.TypeSfle:
		if len(data) < 4 {
			return nil, false
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))) * factor, true
	case hexframe.TypeStr:
		return string(data), true
	case hexframe.TypeJson:
		var obj map[string]interface{}
		if err := json.Unmarshal(data, &obj); err == nil {
			return obj, true
		}
		return string(data), true
	}
	return nil, false
}
