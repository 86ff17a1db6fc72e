package annotator

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldType names the widget used for an annotation field.
type FieldType string

// Field types understood by the codec. Unknown types are treated as text.
const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldSelect      FieldType = "select"
	FieldRadio       FieldType = "radio"
	FieldMultiselect FieldType = "multiselect"
	FieldCheckbox    FieldType = "checkbox"
	FieldList        FieldType = "list"
)

// Field describes one annotation field.
type Field struct {
	Name        string    `mapstructure:"name" json:"name"`
	Label       string    `mapstructure:"label" json:"label"`
	Type        FieldType `mapstructure:"type" json:"type"`
	Options     []string  `mapstructure:"options" json:"options,omitempty"`
	Required    bool      `mapstructure:"required" json:"required"`
	Placeholder string    `mapstructure:"placeholder" json:"placeholder,omitempty"`
	Default     string    `mapstructure:"default" json:"default,omitempty"`
	Separator   string    `mapstructure:"separator" json:"separator,omitempty"`
	Help        string    `mapstructure:"help" json:"help,omitempty"`
}

// Kind maps the widget type onto the value variant it edits. A checkbox with
// options is a checkbox group (list); a bare checkbox is a boolean.
func (f Field) Kind() ValueKind {
	switch f.Type {
	case FieldMultiselect, FieldList:
		return KindList
	case FieldCheckbox:
		if len(f.Options) > 0 {
			return KindList
		}
		return KindBool
	default:
		return KindText
	}
}

// Validate checks the static field definition.
func (f Field) Validate() error {
	if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.Label) == "" {
		return fmt.Errorf("annotation fields must include both name and label")
	}
	return nil
}

func (f Field) separator(fallback string) string {
	if f.Separator != "" {
		return f.Separator
	}
	if fallback != "" {
		return fallback
	}
	return DefaultListSeparator
}

// Encode converts a value to its persisted string form.
func (f Field) Encode(v Value, defaultSep string) string {
	switch f.Kind() {
	case KindList:
		items := v.List()
		cleaned := make([]string, 0, len(items))
		for _, item := range items {
			if s := strings.TrimSpace(item); s != "" {
				cleaned = append(cleaned, s)
			}
		}
		return strings.Join(cleaned, f.separator(defaultSep))
	case KindBool:
		return strconv.FormatBool(v.Bool())
	default:
		return v.Text()
	}
}

// Decode converts a persisted string back into the field's value variant.
func (f Field) Decode(raw string, defaultSep string) Value {
	switch f.Kind() {
	case KindList:
		if strings.TrimSpace(raw) == "" {
			return List()
		}
		parts := strings.Split(raw, f.separator(defaultSep))
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				items = append(items, s)
			}
		}
		return List(items...)
	case KindBool:
		return Bool(parseBool(raw))
	default:
		return Text(raw)
	}
}

// Schema is the ordered set of annotation fields plus the shared separator.
type Schema struct {
	Fields           []Field
	DefaultSeparator string
}

// Names returns field names in configuration order.
func (s Schema) Names() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Encode prepares a submitted value map for persistence. Only configured
// fields are kept; missing fields persist as the empty string.
func (s Schema) Encode(values map[string]Value) map[string]string {
	out := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := values[f.Name]
		if !ok {
			out[f.Name] = ""
			continue
		}
		out[f.Name] = f.Encode(v, s.DefaultSeparator)
	}
	return out
}

// Decode turns persisted values back into typed values for editing.
func (s Schema) Decode(values map[string]string) map[string]Value {
	out := make(map[string]Value, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = f.Decode(values[f.Name], s.DefaultSeparator)
	}
	return out
}
