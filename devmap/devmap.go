// Package devmap holds the per-model message descriptor tables: which field
// keys a message type carries, how to decode and rename them, and which
// blocks double as settable commands. A built-in table covers the known
// portable power station families; an external JSON definitions file can
// extend or override it.
package devmap

import (
	"encoding/json"
	"io/ioutil"

	"github.com/juju/errors"

	"github.com/solixapi/solix/hexframe"
)

// Descriptor describes one field within a message block: decode metadata
// (name, factor, byte sub-fields, nested JSON renames) plus the encode
// constraints inherited from hexframe.Desc.
type Descriptor struct {
	hexframe.Desc

	Type      *uint8                 `json:"type"`
	Factor    float64                `json:"factor"` // 0 means 1
	StateName string                 `json:"state_name"`
	Follows   string                 `json:"value_follows"`
	Bytes     map[string]*Descriptor `json:"bytes"`
	JSON      map[string]*JSONEntry  `json:"json"`
}

// FieldType returns the wire type, TypeUnk when the descriptor does not
// name one.
func (d *Descriptor) FieldType() hexframe.Type {
	if d == nil || d.Type == nil {
		return hexframe.TypeUnk
	}
	return hexframe.Type(*d.Type)
}

func (d *Descriptor) factor() float64 {
	if d == nil || d.Factor == 0 {
		return 1
	}
	return d.Factor
}

func (d *Descriptor) signed() bool {
	if d == nil || d.Signed == nil {
		return true
	}
	return *d.Signed
}

// JSONEntry renames keys inside JSON-typed fields, recursively.
type JSONEntry struct {
	Name string
	Sub  map[string]*JSONEntry
}

func (e *JSONEntry) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, raw := range m {
		if k == "name" {
			var name string
			if err := json.Unmarshal(raw, &name); err == nil {
				e.Name = name
			}
			continue
		}
		var sub JSONEntry
		if err := json.Unmarshal(raw, &sub); err != nil {
			continue
		}
		if sub.Name == "" && len(sub.Sub) == 0 {
			continue
		}
		if e.Sub == nil {
			e.Sub = make(map[string]*JSONEntry)
		}
		e.Sub[k] = &sub
	}
	return nil
}

// Block is one message type of a model: field descriptors keyed by the
// 2-hex-digit field key, plus command metadata. Sub holds command-named
// nested blocks for message types that multiplex several commands.
type Block struct {
	Topic       string
	CommandName string
	CommandList []string
	Fields      map[string]*Descriptor
	Sub         map[string]*Block
}

// HasCommand reports whether this block serves the named command.
func (b *Block) HasCommand(command string) bool {
	if b == nil {
		return false
	}
	if b.CommandName == command {
		return true
	}
	for _, c := range b.CommandList {
		if c == command {
			return true
		}
	}
	return false
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k, raw := range m {
		switch k {
		case "topic":
			if err := json.Unmarshal(raw, &b.Topic); err != nil {
				return errors.Annotate(err, "topic")
			}
		case "command_name":
			if err := json.Unmarshal(raw, &b.CommandName); err != nil {
				return errors.Annotate(err, "command_name")
			}
		case "command_list":
			if err := json.Unmarshal(raw, &b.CommandList); err != nil {
				return errors.Annotate(err, "command_list")
			}
		default:
			if len(k) <= 2 {
				var d Descriptor
				if err := json.Unmarshal(raw, &d); err != nil {
					return errors.Annotatef(err, "field=%s", k)
				}
				if b.Fields == nil {
					b.Fields = make(map[string]*Descriptor)
				}
				b.Fields[k] = &d
				continue
			}
			// long keys hold command-named nested blocks
			var sub Block
			if err := json.Unmarshal(raw, &sub); err != nil {
				continue
			}
			if len(sub.Fields) == 0 && sub.CommandName == "" {
				continue
			}
			if b.Sub == nil {
				b.Sub = make(map[string]*Block)
			}
			b.Sub[k] = &sub
		}
	}
	return nil
}

// Table maps model -> message type hex -> block.
type Table map[string]map[string]*Block

// Model returns the block set for a model, nil when unknown.
func (t Table) Model(model string) map[string]*Block { return t[model] }

// FindCommand locates the block serving a command for the given model.
func (t Table) FindCommand(model, command string) (string, *Block) {
	for msgtype, block := range t[model] {
		if block.HasCommand(command) {
			return msgtype, block
		}
	}
	return "", nil
}

// Load reads an external JSON definitions file and merges the built-in
// table underneath: models present in the file win, built-in models fill
// the gaps. An unreadable or invalid file yields the built-in table and
// the error, so callers can log and continue.
func Load(path string) (Table, error) {
	builtin := Builtin()
	if path == "" {
		return builtin, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return builtin, errors.Annotatef(err, "devmap read path=%s", path)
	}
	var loaded Table
	if err := json.Unmarshal(b, &loaded); err != nil {
		return builtin, errors.Annotatef(err, "devmap parse path=%s", path)
	}
	for model, blocks := range builtin {
		if _, ok := loaded[model]; !ok {
			loaded[model] = blocks
		}
	}
	return loaded, nil
}
