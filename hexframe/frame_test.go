package hexframe

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t testing.TB, s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	require.NoError(t, err)
	return b
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		msgtype   string
		increment string
	}{
		{"no-increment", "ff09230003000f0405", "0405", ""},
		{"increment-kept", "ff09230003000f040501", "0405", "01"},
		{"increment-field-collision", "ff09230003000f0405a4", "0405", ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			h := ParseHeader(mustHex(t, c.input))
			assert.Equal(t, "ff09", hex.EncodeToString(h.Prefix))
			assert.Equal(t, 0x23, h.MsgLength)
			assert.Equal(t, "03000f", hex.EncodeToString(h.Pattern))
			assert.Equal(t, c.msgtype, h.MsgTypeHex())
			assert.Equal(t, c.increment, hex.EncodeToString(h.Increment))
		})
	}
}

func TestCommandHeader(t *testing.T) {
	t.Parallel()

	h := NewCommandHeader(mustHex(t, "0057"))
	assert.Equal(t, "ff09", hex.EncodeToString(h.Prefix))
	assert.Equal(t, "03000f", hex.EncodeToString(h.Pattern))
	assert.Equal(t, "0057", h.MsgTypeHex())
	assert.Equal(t, 9, h.Len())
	assert.Equal(t, 11, h.MsgLength)
	assert.Equal(t, "ff090b0003000f0057", hex.EncodeToString(h.Bytes()))
}

func TestParseField(t *testing.T) {
	t.Parallel()

	t.Run("single-byte", func(t *testing.T) {
		f := ParseField(mustHex(t, "a10122"))
		assert.Equal(t, "a1", f.KeyHex())
		assert.Equal(t, 1, f.Length)
		assert.Equal(t, 3, f.Len())
		v, ok := f.IntLE()
		require.True(t, ok)
		assert.Equal(t, int64(0x22), v)
	})

	t.Run("sile-negative", func(t *testing.T) {
		f := ParseField(mustHex(t, "b90302f6ff"))
		assert.Equal(t, "b9", f.KeyHex())
		v, ok := f.IntLE()
		require.True(t, ok)
		assert.Equal(t, int64(-10), v)
		u, ok := f.UintLE()
		require.True(t, ok)
		assert.Equal(t, uint64(0xfff6), u)
	})

	t.Run("string", func(t *testing.T) {
		f := ParseField(mustHex(t, "c50700414243313233"))
		s, ok := f.StringValue()
		require.True(t, ok)
		assert.Equal(t, "ABC123", s)
	})

	t.Run("json-promotion", func(t *testing.T) {
		payload := []byte(`{"soc":85}`)
		raw := append(mustHex(t, "d10b00"), payload...)
		f := ParseField(raw)
		j, ok := f.JsonValue()
		require.True(t, ok)
		assert.Equal(t, float64(85), j["soc"])
		assert.True(t, f.isType(TypeJson))
	})

	t.Run("long-string-two-byte-length", func(t *testing.T) {
		value := strings.Repeat("x", 300)
		raw := append(mustHex(t, "a22d0100"), []byte(value)...)
		// in a frame a field is always followed by at least the checksum
		f := ParseField(append(append([]byte(nil), raw...), 0x00))
		assert.Equal(t, "a2", f.KeyHex())
		assert.Equal(t, 301, f.Length) // type byte + 300 value bytes
		assert.Equal(t, 2, f.lengthBytes)
		s, ok := f.StringValue()
		require.True(t, ok)
		assert.Equal(t, value, s)
		assert.Equal(t, raw, f.Bytes())
	})

	t.Run("short-length-stays-one-byte", func(t *testing.T) {
		// naive 16-bit length exceeding the buffer must not escalate
		f := ParseField(mustHex(t, "a3050200e80301"))
		assert.Equal(t, 1, f.lengthBytes)
		assert.Equal(t, 5, f.Length)
	})

	t.Run("truncated", func(t *testing.T) {
		f := ParseField(mustHex(t, "a105"))
		assert.Equal(t, 0, len(f.Key))
	})
}

func TestFieldUpdate(t *testing.T) {
	t.Parallel()

	fmin, fmax, fstep := 0.0, 86400.0, 300.0

	cases := []struct {
		name    string
		value   interface{}
		fname   string
		ftype   Type
		desc    *Desc
		expect  string // hex of serialized field, "" means update must fail
	}{
		{"ui-plain", 1, "a2", TypeUi, &Desc{}, "a2020101"},
		{"ui-option-name", "on", "a2", TypeUi,
			&Desc{Options: &Options{Named: map[string]interface{}{"off": 0, "on": 1}}},
			"a2020101"},
		{"ui-option-reject", "warp", "a2", TypeUi,
			&Desc{Options: &Options{Named: map[string]interface{}{"off": 0, "on": 1}}},
			""},
		{"ui-list-reject", 25, "a2", TypeUi,
			&Desc{Options: &Options{List: []interface{}{20, 30, 60}}},
			""},
		{"ui-divider", 60, "a2", TypeUi, &Desc{Divider: 30}, "a2020102"},
		{"sile-negative", -10, "a2", TypeSile, &Desc{}, "a20302f6ff"},
		{"var-step-round", 449, "a2", TypeVar,
			&Desc{Min: &fmin, Max: &fmax, Step: &fstep},
			"a205032c010000"}, // rounds to nearest step of 300
		{"var-range-reject", 90000, "a2", TypeVar,
			&Desc{Min: &fmin, Max: &fmax, Step: &fstep},
			""},
		{"default-fallback", nil, "a2", TypeUi, &Desc{Default: 5}, "a2020105"},
		{"no-value", nil, "a2", TypeUi, &Desc{}, ""},
		{"str-padded", "SN1", "a2", TypeStr, &Desc{Length: 5},
			"a2060053" + "4e31" + "0000"},
		{"time-string", "21:30", "a5", TypeSile,
			&Desc{Name: "set_light_off_start_time"},
			"a503021e15"},
		{"unk-rejected", 1, "a2", TypeUnk, &Desc{}, ""},
		{"single-char-key", 1, "7", TypeUi, &Desc{}, "07020101"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f := Field{}
			err := f.Update(c.value, c.fname, c.ftype, c.desc)
			if c.expect == "" {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, hex.EncodeToString(f.Bytes()))
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	frame := NewCommand("A1722", NewCommandHeader(mustHex(t, "0057")))
	frame.UpdateField(ParseField(mustHex(t, "a10122")))

	var a2 Field
	require.NoError(t, a2.Update(1, "a2", TypeUi, &Desc{}))
	frame.UpdateField(a2)

	var a3 Field
	require.NoError(t, a3.Update(60, "a3", TypeVar, &Desc{}))
	frame.UpdateField(a3)

	frame.AddTimestamp("fe", TypeVar)

	require.True(t, frame.ChecksumOK())
	assert.Equal(t, len(frame.Raw), frame.Header.MsgLength)

	decoded := Decode(frame.Raw, "A1722")
	assert.Equal(t, "0057", decoded.Header.MsgTypeHex())
	assert.True(t, decoded.ChecksumOK())
	require.Len(t, decoded.Fields, 4)

	v, ok := decoded.Fields["a1"].IntLE()
	require.True(t, ok)
	assert.Equal(t, int64(0x22), v)
	u, ok := decoded.Fields["a3"].UintLE()
	require.True(t, ok)
	assert.Equal(t, uint64(60), u)
	ts, ok := decoded.Fields["fe"].UintLE()
	require.True(t, ok)
	assert.True(t, ts > 1577836800, "timestamp=%d", ts)
}

func TestFramePopField(t *testing.T) {
	t.Parallel()

	frame := NewCommand("", NewCommandHeader(mustHex(t, "0040")))
	frame.UpdateField(ParseField(mustHex(t, "a10122")))
	frame.UpdateField(ParseField(mustHex(t, "a20155")))
	before := frame.Header.MsgLength

	removed := frame.PopField("A2")
	require.NotNil(t, removed)
	assert.Nil(t, frame.Fields["a2"])
	assert.True(t, frame.Header.MsgLength < before)
	assert.True(t, frame.ChecksumOK())
}

func TestDecodeTelemetry(t *testing.T) {
	t.Parallel()

	// synthetic 0405 telemetry: a4 sile 1000 (0.1h units), bb soc byte,
	// c5 device sn string
	fields := mustHex(t, "a40302e803"+"bb020155"+"c50700414243313233")
	raw := make([]byte, 0, 64)
	raw = append(raw, mustHex(t, "ff09")...)
	total := 9 + len(fields) + 1
	raw = append(raw, byte(total), byte(total>>8))
	raw = append(raw, mustHex(t, "03000f0405")...)
	raw = append(raw, fields...)
	raw = append(raw, xorChecksum(raw))

	frame := Decode(raw, "A1722")
	assert.True(t, frame.ChecksumOK())
	require.Len(t, frame.Fields, 3)

	values := frame.DecodedValues()
	assert.Equal(t, int64(1000), values["a4"])
	assert.Equal(t, int64(0x55), values["bb"])
	assert.Equal(t, "ABC123", values["c5"])
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"short", "ff09"},
		{"header-only", "ff090a0003000f0405ff"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			frame := Decode(mustHex(t, c.input), "")
			assert.Len(t, frame.Fields, 0)
		})
	}
}
