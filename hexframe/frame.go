package hexframe

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Frame is a complete device message: header, fields keyed by hex name and
// the trailing XOR checksum over everything before it.
type Frame struct {
	Raw      []byte
	Model    string
	Header   Header
	Fields   map[string]*Field
	Checksum byte
}

// NewCommand starts an empty outgoing frame. Fields are added with
// UpdateField and the byte form is rebuilt on every change.
func NewCommand(model string, h Header) *Frame {
	return &Frame{
		Model:  model,
		Header: h,
		Fields: make(map[string]*Field),
	}
}

// Decode parses a received frame. Parsing is best-effort: a malformed field
// ends decoding, everything before it is kept.
func Decode(b []byte, model string) *Frame {
	f := &Frame{
		Raw:    append([]byte(nil), b...),
		Model:  model,
		Fields: make(map[string]*Field),
	}
	f.decode()
	return f
}

// DecodeHex parses a frame from a hex string, ignoring ':' separators.
func DecodeHex(s string, model string) *Frame {
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		b = nil
	}
	return Decode(b, model)
}

func (f *Frame) decode() {
	length := len(f.Raw)
	if length == 0 {
		return
	}
	f.Checksum = f.Raw[length-1]

	head := f.Raw
	if length > 10 {
		head = f.Raw[:10]
	}
	f.Header = ParseHeader(head)

	idx := f.Header.Len()
	for idx >= 9 && idx < length-1 {
		remaining := length - idx
		if remaining < 2 {
			break
		}
		field := ParseField(f.Raw[idx:])
		if field.Len() == 0 || field.Len() > remaining {
			break
		}
		if len(field.Key) == 0 {
			break
		}
		f.Fields[field.KeyHex()] = &field
		idx += field.Len()
	}
}

func (f *Frame) HexString() string { return hex.EncodeToString(f.Raw) }

// ChecksumOK reports whether the trailing byte matches the XOR of the rest.
func (f *Frame) ChecksumOK() bool {
	if len(f.Raw) < 2 {
		return false
	}
	return xorChecksum(f.Raw[:len(f.Raw)-1]) == f.Checksum
}

func (f *Frame) sortedKeys() []string {
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UpdateField inserts or replaces a field and rebuilds the byte form with
// fields in ascending key order, fresh total length and checksum.
func (f *Frame) UpdateField(field Field) {
	if len(field.Key) == 0 {
		return
	}
	if f.Fields == nil {
		f.Fields = make(map[string]*Field)
	}
	f.Fields[field.KeyHex()] = &field
	f.rebuild()
}

// PopField removes a field by hex key and rebuilds the byte form.
func (f *Frame) PopField(key string) *Field {
	key = strings.ToLower(key)
	removed := f.Fields[key]
	delete(f.Fields, key)
	f.rebuild()
	return removed
}

// AddTimestamp adds a 4-byte little-endian epoch-seconds field.
func (f *Frame) AddTimestamp(name string, ftype Type) {
	var vb [4]byte
	binary.LittleEndian.PutUint32(vb[:], uint32(time.Now().Unix()))
	field := Field{lengthBytes: 1}
	kb, err := hex.DecodeString(name)
	if err != nil || len(kb) == 0 {
		return
	}
	field.Key = kb[:1]
	if ftype != TypeUnk {
		field.Type = []byte{byte(ftype)}
	}
	field.Value = vb[:]
	field.Length = len(field.Type) + len(field.Value)
	f.UpdateField(field)
}

// AddTimestampMs adds the epoch-milliseconds string form some message
// families use instead of the packed timestamp.
func (f *Frame) AddTimestampMs(name string) {
	ms := time.Now().UnixNano() / int64(time.Millisecond)
	field := Field{lengthBytes: 1}
	kb, err := hex.DecodeString(name)
	if err != nil || len(kb) == 0 {
		return
	}
	field.Key = kb[:1]
	field.Type = []byte{byte(TypeStr)}
	field.Value = []byte(strconv.FormatInt(ms, 10))
	field.Length = len(field.Type) + len(field.Value)
	f.UpdateField(field)
}

func (f *Frame) rebuild() {
	header := f.Header
	total := header.Len()

	var fieldsData []byte
	for _, key := range f.sortedKeys() {
		field := f.Fields[key]
		total += field.Len()
		fieldsData = append(fieldsData, field.Bytes()...)
	}

	total++ // checksum
	header.MsgLength = total
	f.Header = header

	packet := append(header.Bytes(), fieldsData...)
	f.Checksum = xorChecksum(packet)
	f.Raw = append(packet, f.Checksum)
}

// DecodedValues maps each field key to its best-guess decoded value: JSON
// object, string, float for 4/8-byte values, integer, or raw hex as the
// last resort.
func (f *Frame) DecodedValues() map[string]interface{} {
	out := make(map[string]interface{}, len(f.Fields))
	for key, field := range f.Fields {
		if j, ok := field.JsonValue(); ok {
			out[key] = j
			continue
		}
		if s, ok := field.StringValue(); ok {
			out[key] = s
			continue
		}
		if v, ok := field.Float32LE(); ok {
			out[key] = float64(v)
			continue
		}
		if v, ok := field.Float64LE(); ok {
			out[key] = v
			continue
		}
		if v, ok := field.IntLE(); ok {
			out[key] = v
			continue
		}
		out[key] = hex.EncodeToString(field.Value)
	}
	return out
}
