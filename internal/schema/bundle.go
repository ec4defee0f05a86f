package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"metaflow/internal/domain"
	"metaflow/internal/proptype"
)

// Bundle is a schema document holding several definitions imported together.
type Bundle struct {
	ObjectTypes   []domain.ObjectType   `json:"objectTypes"`
	Relationships []domain.Relationship `json:"relationships"`
	ActionTypes   []domain.ActionType   `json:"actionTypes"`
}

// DecodeBundle reads a bundle in JSON or YAML. YAML mappings keep their key order so
// property declaration order survives.
func DecodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return b, domain.Invalid("bundle", "empty document")
	}
	if trimmed[0] != '{' {
		converted, err := YAMLToJSON(trimmed)
		if err != nil {
			return b, domain.Invalid("bundle", "parse yaml: %v", err)
		}
		trimmed = converted
	}
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return b, domain.Invalid("bundle", "%v", err)
	}
	return b, nil
}

// YAMLToJSON converts a YAML document to JSON, preserving mapping order and
// duplicate keys so the JSON decoders downstream see what the author wrote.
func YAMLToJSON(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeNode(&buf, &root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNode(buf, n.Content[0])
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeNode(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.AliasNode:
		return writeNode(buf, n.Alias)
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(data)
	default:
		return fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
	return nil
}

// OrderObjectTypes sorts types so every referenced type comes before the types that
// reference it. Types outside the bundle are assumed to exist already. Ties keep the
// bundle order.
func OrderObjectTypes(types []domain.ObjectType) ([]domain.ObjectType, error) {
	index := make(map[string]int, len(types))
	for i, t := range types {
		if t.ID == "" {
			return nil, domain.Invalid(fmt.Sprintf("objectTypes[%d].id", i), "required in a bundle")
		}
		if _, dup := index[t.ID]; dup {
			return nil, domain.Invalid(fmt.Sprintf("objectTypes[%d].id", i), "duplicate object type %s", t.ID)
		}
		index[t.ID] = i
	}
	deps := make([][]int, len(types))
	indegree := make([]int, len(types))
	for i, t := range types {
		for _, p := range t.Properties {
			if p.Spec.Type != proptype.Reference || p.Spec.TargetTypeID == t.ID {
				continue
			}
			if j, ok := index[p.Spec.TargetTypeID]; ok {
				deps[j] = append(deps[j], i)
				indegree[i]++
			}
		}
	}
	var ready []int
	for i := range types {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]domain.ObjectType, 0, len(types))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, types[i])
		for _, j := range deps[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(out) != len(types) {
		return nil, domain.Invalid("objectTypes", "reference properties form a cycle")
	}
	return out, nil
}
