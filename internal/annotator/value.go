package annotator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultListSeparator joins list values when neither the field nor the
// schema configures one.
const DefaultListSeparator = ";"

// ValueKind tags the variant held by a Value.
type ValueKind int

// Supported value kinds.
const (
	KindText ValueKind = iota
	KindList
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindBool:
		return "bool"
	default:
		return "text"
	}
}

// Value is a field value as edited by a reviewer: free text, an ordered list
// of strings, or a boolean.
type Value struct {
	kind ValueKind
	text string
	list []string
	flag bool
}

// Text builds a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// List builds a list value.
func List(items ...string) Value {
	return Value{kind: KindList, list: append([]string(nil), items...)}
}

// Bool builds a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Kind reports the variant.
func (v Value) Kind() ValueKind { return v.kind }

// Text returns the text payload, or a textual rendering of other kinds.
func (v Value) Text() string {
	switch v.kind {
	case KindList:
		return strings.Join(v.list, DefaultListSeparator)
	case KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return v.text
	}
}

// List returns a copy of the list payload. Text values become a single item.
func (v Value) List() []string {
	switch v.kind {
	case KindList:
		return append([]string(nil), v.list...)
	case KindText:
		if v.text == "" {
			return nil
		}
		return []string{v.text}
	default:
		return []string{strconv.FormatBool(v.flag)}
	}
}

// Bool returns the boolean payload. Text values are parsed leniently.
func (v Value) Bool() bool {
	switch v.kind {
	case KindBool:
		return v.flag
	case KindText:
		return parseBool(v.text)
	default:
		return len(v.list) > 0
	}
}

// Equal compares two values structurally.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != other.list[i] {
				return false
			}
		}
		return true
	case KindBool:
		return v.flag == other.flag
	default:
		return v.text == other.text
	}
}

// MarshalJSON renders text as a string, lists as arrays and booleans as bools.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch v.kind {
	case KindList:
		items := v.list
		if items == nil {
			items = []string{}
		}
		out, err = json.Marshal(items)
	case KindBool:
		out, err = json.Marshal(v.flag)
	default:
		out, err = json.Marshal(v.text)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s value: %w", v.kind, err)
	}
	return out, nil
}

// UnmarshalJSON accepts strings, arrays of scalars, booleans, numbers and null.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*v = Text("")
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode text value: %w", err)
		}
		*v = Text(s)
	case trimmed[0] == '[':
		var raw []any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("decode list value: %w", err)
		}
		items := make([]string, 0, len(raw))
		for _, item := range raw {
			if item == nil {
				continue
			}
			items = append(items, fmt.Sprint(item))
		}
		*v = List(items...)
	case bytes.Equal(trimmed, []byte("true")), bytes.Equal(trimmed, []byte("false")):
		*v = Bool(trimmed[0] == 't')
	case trimmed[0] == '{':
		return fmt.Errorf("unsupported object value")
	default:
		// Numbers are kept verbatim.
		*v = Text(string(trimmed))
	}
	return nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on", "y":
		return true
	default:
		return false
	}
}
