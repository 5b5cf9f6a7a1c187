package devmap

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/solixapi/solix/hexframe"
)

// Well-known command names handled without a model block.
const (
	CommandStatusRequest   = "status_request"
	CommandRealtimeTrigger = "realtime_trigger"
)

// GenerateCommand builds the outgoing frame for a named command. The
// model's block defines the message type and field layout; parameters are
// resolved by field name (or value_follows indirection) and validated
// against the descriptor. Fields that fail validation are skipped, never
// encoded wrong. Commands without a model block fall back to the generic
// realtime-trigger and status-request frames.
func GenerateCommand(t Table, model, command string, params map[string]interface{}) (*hexframe.Frame, error) {
	msgtype, block := t.FindCommand(model, command)

	if block != nil {
		if sub, ok := block.Sub[command]; ok {
			block = sub
		}
		if len(block.Fields) == 0 {
			return nil, errors.NotValidf("command=%s model=%s block has no fields", command, model)
		}
		msgBytes, err := hex.DecodeString(msgtype)
		if err != nil {
			return nil, errors.Annotatef(err, "command=%s msgtype=%s", command, msgtype)
		}
		frame := hexframe.NewCommand(model, hexframe.NewCommandHeader(msgBytes))

		keys := make([]string, 0, len(block.Fields))
		for k := range block.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			desc := block.Fields[key]
			fieldName := strings.ToLower(key)
			if len(fieldName) == 1 {
				fieldName = "0" + fieldName
			}

			switch desc.Name {
			case "pattern_22":
				raw, err := hex.DecodeString(fieldName + "0122")
				if err == nil {
					frame.UpdateField(hexframe.ParseField(raw))
				}
				continue
			case "msg_timestamp":
				if fieldName == "fd" {
					frame.AddTimestampMs(fieldName)
				} else {
					frame.AddTimestamp(fieldName, desc.FieldType())
				}
				continue
			}

			paramKey := desc.Follows
			if paramKey == "" {
				paramKey = desc.Name
			}
			var value interface{}
			if paramKey != "" {
				value = params[paramKey]
			}

			var f hexframe.Field
			if err := f.Update(value, fieldName, desc.FieldType(), &desc.Desc); err != nil {
				continue
			}
			frame.UpdateField(f)
		}
		return frame, nil
	}

	switch command {
	case CommandRealtimeTrigger:
		frame := hexframe.NewCommand(model, hexframe.NewCommandHeader([]byte{0x00, 0x57}))
		frame.UpdateField(hexframe.ParseField([]byte{0xa1, 0x01, 0x22}))

		var a2 hexframe.Field
		if err := a2.Update(1, "a2", hexframe.TypeUi, &hexframe.Desc{}); err == nil {
			frame.UpdateField(a2)
		}

		timeout, ok := params["timeout"]
		if !ok {
			timeout, ok = params["trigger_timeout_sec"]
		}
		if !ok {
			timeout = 60
		}
		var a3 hexframe.Field
		if err := a3.Update(timeout, "a3", hexframe.TypeVar, &hexframe.Desc{}); err == nil {
			frame.UpdateField(a3)
		}

		frame.AddTimestamp("fe", hexframe.TypeVar)
		return frame, nil

	case CommandStatusRequest:
		frame := hexframe.NewCommand(model, hexframe.NewCommandHeader([]byte{0x00, 0x40}))
		frame.UpdateField(hexframe.ParseField([]byte{0xa1, 0x01, 0x22}))
		frame.AddTimestamp("fe", hexframe.TypeVar)
		return frame, nil
	}

	return nil, errors.NotFoundf("command=%s model=%s", command, model)
}
