package hexframe

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/juju/errors"
)

// Field is one keyed TLV within a frame: key(1) + length(1 or 2) + type tag +
// value. Single-byte fields carry no type tag. The two-byte length form is
// only used by long string payloads and is detected heuristically.
type Field struct {
	Key    []byte
	Length int
	Type   []byte
	Value  []byte

	json        map[string]interface{}
	lengthBytes int
}

// ParseField reads one field from the start of b. A zero-length result
// (Len()==0) means b does not hold a well-formed field.
func ParseField(b []byte) Field {
	f := Field{lengthBytes: 1}
	if len(b) < 2 {
		return f
	}

	f.Key = []byte{b[0]}

	// Length is normally a single byte. Long string fields escalate to a
	// 16-bit little-endian length; the only reliable signature is a str type
	// tag at offset 3 together with a naive 2-byte length that both exceeds
	// the 1-byte range and still fits the buffer.
	if len(b) >= 4 {
		len2 := int(binary.LittleEndian.Uint16(b[1:3]))
		if b[3] == byte(TypeStr) && len2 > 255 && 4+len2 <= len(b) {
			f.lengthBytes = 2
			f.Length = len2
		}
	}
	if f.lengthBytes == 1 {
		f.Length = int(b[1])
	}

	if f.Length > 1 {
		typeAt := 1 + f.lengthBytes
		end := typeAt + f.Length
		if len(b) < end || len(b) < typeAt+1 {
			return Field{lengthBytes: 1}
		}
		f.Type = []byte{b[typeAt]}
		f.Value = append([]byte(nil), b[typeAt+1:end]...)
		f.checkJson()
	} else if f.Length == 1 {
		if len(b) < 3 {
			return Field{lengthBytes: 1}
		}
		f.Value = []byte{b[2]}
	}
	return f
}

// Len is the serialized field size in bytes.
func (f *Field) Len() int {
	n := len(f.Key) + len(f.Type) + len(f.Value)
	if f.Length > 0 {
		n += f.lengthBytes
	}
	return n
}

func (f *Field) KeyHex() string { return hex.EncodeToString(f.Key) }

func (f *Field) Bytes() []byte {
	b := make([]byte, 0, f.Len())
	b = append(b, f.Key...)
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(f.Length))
	if f.lengthBytes > 1 {
		b = append(b, lb[:]...)
	} else {
		b = append(b, lb[0])
	}
	b = append(b, f.Type...)
	b = append(b, f.Value...)
	return b
}

func (f *Field) UintLE() (uint64, bool) {
	if len(f.Value) == 0 || len(f.Value) > 8 {
		return 0, false
	}
	var result uint64
	for i, b := range f.Value {
		result |= uint64(b) << (8 * uint(i))
	}
	return result, true
}

// IntLE sign-extends the little-endian value to 64 bits.
func (f *Field) IntLE() (int64, bool) {
	u, ok := f.UintLE()
	if !ok {
		return 0, false
	}
	bits := uint(len(f.Value)) * 8
	if bits >= 64 {
		return int64(u), true
	}
	if u&(1<<(bits-1)) != 0 {
		return int64(u) - int64(uint64(1)<<bits), true
	}
	return int64(u), true
}

func (f *Field) Float32LE() (float32, bool) {
	if len(f.Value) != 4 {
		return 0, false
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(f.Value)), true
}

func (f *Field) Float64LE() (float64, bool) {
	if len(f.Value) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(f.Value)), true
}

func (f *Field) StringValue() (string, bool) {
	if !f.isType(TypeStr) && !f.isType(TypeJson) {
		return "", false
	}
	return string(f.Value), true
}

func (f *Field) JsonValue() (map[string]interface{}, bool) {
	if len(f.json) == 0 {
		return nil, false
	}
	return f.json, true
}

func (f *Field) BoolValue() (bool, bool) {
	if i, ok := f.IntLE(); ok {
		return i != 0, true
	}
	if s, ok := f.StringValue(); ok {
		switch strings.ToLower(s) {
		case "true", "yes", "on", "1":
			return true, true
		case "false", "no", "off", "0":
			return false, true
		}
	}
	return false, false
}

func (f *Field) isType(t Type) bool {
	return len(f.Type) == 1 && f.Type[0] == byte(t)
}

// Update sets the field key, type and value from a caller value and a
// descriptor. The value falls back to the descriptor default, runs through
// option/range validation and is encoded per the wire type. On error the
// field must not be added to a frame.
func (f *Field) Update(value interface{}, name string, ftype Type, desc *Desc) error {
	if name != "" {
		if len(name) == 1 {
			name = "0" + name
		}
		kb, err := hex.DecodeString(strings.ToLower(name))
		if err == nil && len(kb) > 0 {
			f.Key = kb[:1]
		}
	}
	if len(f.Key) == 0 {
		return errors.NotValidf("field name=%s", name)
	}

	if ftype == TypeUnk {
		f.Type = nil
	} else {
		f.Type = []byte{byte(ftype)}
	}

	encoded, err := encodeValue(value, ftype, desc)
	if err != nil {
		return errors.Annotatef(err, "field=%s", f.KeyHex())
	}

	f.Value = encoded
	f.Length = len(f.Type) + len(f.Value)
	f.lengthBytes = 1
	if f.Length > 255 {
		f.lengthBytes = 2
	}
	f.checkJson()
	return nil
}

func encodeValue(value interface{}, ftype Type, desc *Desc) ([]byte, error) {
	fieldValue := value

	if desc != nil && strings.HasSuffix(desc.Name, "_time") {
		if s, ok := fieldValue.(string); ok {
			if tb, ok := ConvertTimeString(s); ok {
				fieldValue = tb
			}
		}
	}

	if fieldValue == nil && desc != nil {
		fieldValue = desc.Default
	}
	if fieldValue == nil {
		return nil, errors.NotValidf("no value")
	}

	checked, ok := desc.checkValue(fieldValue)
	if !ok {
		return nil, errors.NotValidf("value=%v", fieldValue)
	}
	fieldValue = checked

	divider := desc.divider()

	switch ftype {
	case TypeStr:
		if b, ok := fieldValue.([]byte); ok {
			return b, nil
		}
		b := []byte(fmt.Sprint(fieldValue))
		if desc != nil && desc.Length > len(b) {
			b = append(b, make([]byte, desc.Length-len(b))...)
		}
		return b, nil

	case TypeUi:
		num, ok := numberValue(fieldValue)
		if !ok {
			return nil, errors.NotValidf("ui value=%v", fieldValue)
		}
		v := num / divider
		if v < 0 {
			v = 0
		}
		return []byte{byte(uint64(v) & 0xff)}, nil

	case TypeSile:
		if b, ok := fieldValue.([]byte); ok {
			if len(b) > 2 {
				b = b[len(b)-2:]
			}
			return b, nil
		}
		num, ok := numberValue(fieldValue)
		if !ok {
			return nil, errors.NotValidf("sile value=%v", fieldValue)
		}
		packed := packSigned(num/divider, desc.signed())
		return []byte{byte(packed), byte(packed >> 8)}, nil

	case TypeVar:
		if b, ok := fieldValue.([]byte); ok {
			target := 4
			if desc != nil && desc.Length > 0 {
				target = desc.Length
			}
			if len(b) < target {
				b = append(make([]byte, target-len(b)), b...)
			}
			return b[len(b)-target:], nil
		}
		num, ok := numberValue(fieldValue)
		if !ok {
			return nil, errors.NotValidf("var value=%v", fieldValue)
		}
		packed := packSigned(num/divider, desc.signed())
		return []byte{byte(packed), byte(packed >> 8), byte(packed >> 16), byte(packed >> 24)}, nil

	case TypeSfle:
		num, ok := numberValue(fieldValue)
		if !ok {
			return nil, errors.NotValidf("sfle value=%v", fieldValue)
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(num/divider)))
		return b[:], nil

	case TypeJson:
		switch v := fieldValue.(type) {
		case []byte:
			return v, nil
		case map[string]interface{}:
			return json.Marshal(v)
		case string:
			return []byte(v), nil
		}
		return nil, errors.NotValidf("json value=%v", fieldValue)
	}

	// bin, strb, unk have no encoder
	return nil, errors.NotSupportedf("type=%s", ftype)
}

func packSigned(v float64, signed bool) uint64 {
	i := int64(v)
	if !signed && i < 0 {
		i = 0
	}
	return uint64(i)
}

// checkJson promotes str fields to json when the payload parses as an
// object. Devices send JSON blobs with the plain string tag.
func (f *Field) checkJson() {
	if !f.isType(TypeStr) && !f.isType(TypeJson) {
		return
	}
	text := string(f.Value)
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		return
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(f.Value, &obj); err != nil {
		return
	}
	f.json = obj
	f.Type = []byte{byte(TypeJson)}
}
