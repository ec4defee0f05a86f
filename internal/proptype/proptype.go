// Package proptype holds the closed set of property value types an Object Type can
// declare, and the pure validation and comparison rules for their values.
package proptype

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Type string

const (
	String    Type = "string"
	Number    Type = "number"
	Boolean   Type = "boolean"
	Date      Type = "date"
	Reference Type = "reference"
)

// Types lists every supported property type in a stable order.
var Types = []Type{String, Number, Boolean, Date, Reference}

func (t Type) Valid() bool {
	switch t {
	case String, Number, Boolean, Date, Reference:
		return true
	}
	return false
}

// Definition is the compiled, type-safe form of a property definition. Only the
// variants declared in this package implement it.
type Definition interface {
	Type() Type
	IsRequired() bool
	isDefinition()
}

type StringProperty struct {
	Required bool
	Picklist []PicklistOption
}

type NumberProperty struct {
	Required bool
}

type BooleanProperty struct {
	Required bool
}

type DateProperty struct {
	Required bool
}

type ReferenceProperty struct {
	Required     bool
	TargetTypeID string
}

func (StringProperty) Type() Type    { return String }
func (NumberProperty) Type() Type    { return Number }
func (BooleanProperty) Type() Type   { return Boolean }
func (DateProperty) Type() Type      { return Date }
func (ReferenceProperty) Type() Type { return Reference }

func (p StringProperty) IsRequired() bool    { return p.Required }
func (p NumberProperty) IsRequired() bool    { return p.Required }
func (p BooleanProperty) IsRequired() bool   { return p.Required }
func (p DateProperty) IsRequired() bool      { return p.Required }
func (p ReferenceProperty) IsRequired() bool { return p.Required }

func (StringProperty) isDefinition()    {}
func (NumberProperty) isDefinition()    {}
func (BooleanProperty) isDefinition()   {}
func (DateProperty) isDefinition()      {}
func (ReferenceProperty) isDefinition() {}

// Allowed returns the picklist values in declared order, or nil for free text.
func (p StringProperty) Allowed() []string {
	if len(p.Picklist) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.Picklist))
	for _, opt := range p.Picklist {
		out = append(out, opt.Value)
	}
	return out
}

// PicklistOption is one allowed value of a picklist string property.
type PicklistOption struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// UnmarshalJSON accepts either {"value": "...", "label": "..."} or a bare string.
func (o *PicklistOption) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*o = PicklistOption{Value: s, Label: s}
		return nil
	}
	type plain PicklistOption
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*o = PicklistOption(p)
	return nil
}

// Spec is the persisted shape of a property definition:
// {type, required?, picklistConfig?, targetTypeId?}.
type Spec struct {
	Type           Type             `json:"type"`
	Required       bool             `json:"required,omitempty"`
	PicklistConfig []PicklistOption `json:"picklistConfig,omitempty"`
	TargetTypeID   string           `json:"targetTypeId,omitempty"`
}

// SpecError reports a structurally invalid property definition. Field is relative to
// the property (for example "picklistConfig").
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Definition compiles the spec into its union variant.
func (s Spec) Definition() (Definition, error) {
	if len(s.PicklistConfig) > 0 && s.Type != String {
		return nil, &SpecError{Field: "picklistConfig", Reason: "only valid for string properties"}
	}
	if s.TargetTypeID != "" && s.Type != Reference {
		return nil, &SpecError{Field: "targetTypeId", Reason: "only valid for reference properties"}
	}
	switch s.Type {
	case String:
		seen := make(map[string]struct{}, len(s.PicklistConfig))
		for i, opt := range s.PicklistConfig {
			if opt.Value == "" {
				return nil, &SpecError{Field: fmt.Sprintf("picklistConfig[%d].value", i), Reason: "must not be empty"}
			}
			if _, dup := seen[opt.Value]; dup {
				return nil, &SpecError{Field: fmt.Sprintf("picklistConfig[%d].value", i), Reason: fmt.Sprintf("duplicate value %q", opt.Value)}
			}
			seen[opt.Value] = struct{}{}
		}
		var picklist []PicklistOption
		if len(s.PicklistConfig) > 0 {
			picklist = append(picklist, s.PicklistConfig...)
		}
		return StringProperty{Required: s.Required, Picklist: picklist}, nil
	case Number:
		return NumberProperty{Required: s.Required}, nil
	case Boolean:
		return BooleanProperty{Required: s.Required}, nil
	case Date:
		return DateProperty{Required: s.Required}, nil
	case Reference:
		if strings.TrimSpace(s.TargetTypeID) == "" {
			return nil, &SpecError{Field: "targetTypeId", Reason: "required for reference properties"}
		}
		return ReferenceProperty{Required: s.Required, TargetTypeID: s.TargetTypeID}, nil
	case "":
		return nil, &SpecError{Field: "type", Reason: "required"}
	default:
		return nil, &SpecError{Field: "type", Reason: fmt.Sprintf("unknown type %q", s.Type)}
	}
}

// SpecOf converts a compiled definition back to its persisted shape.
func SpecOf(d Definition) Spec {
	switch v := d.(type) {
	case StringProperty:
		return Spec{Type: String, Required: v.Required, PicklistConfig: v.Picklist}
	case ReferenceProperty:
		return Spec{Type: Reference, Required: v.Required, TargetTypeID: v.TargetTypeID}
	default:
		return Spec{Type: d.Type(), Required: d.IsRequired()}
	}
}

// Property is one keyed entry of an Object Type's properties.
type Property struct {
	Key  string
	Spec Spec
}

// Properties keeps property definitions in declared order. Decoding keeps duplicate
// keys so that schema validation can reject them instead of silently collapsing them.
type Properties []Property

func (p Properties) Get(key string) (Spec, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Spec, true
		}
	}
	return Spec{}, false
}

func (p Properties) Keys() []string {
	out := make([]string, 0, len(p))
	for _, prop := range p {
		out = append(out, prop.Key)
	}
	return out
}

// Compile returns the compiled definitions keyed by property key. The first error is
// returned wrapped with the offending key.
func (p Properties) Compile() (map[string]Definition, error) {
	out := make(map[string]Definition, len(p))
	for _, prop := range p {
		def, err := prop.Spec.Definition()
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", prop.Key, err)
		}
		out[prop.Key] = def
	}
	return out, nil
}

func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(prop.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(prop.Spec)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("properties must be an object")
	}
	out := Properties{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("properties: unexpected token %v", tok)
		}
		var spec Spec
		if err := dec.Decode(&spec); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
		out = append(out, Property{Key: key, Spec: spec})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
