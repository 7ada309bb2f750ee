package tree

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ramoncreager/matrix/errors"
)

// LoadYAML decodes a configuration document (the seed document described in
// the external interfaces: a tree-of-maps/sequences/scalars) and lifts it
// into a Tree. Scalars of any YAML type are stringified, since the document
// model only knows about opaque text leaves; callers needing typed values
// parse the scalar text themselves (see databuffer/keymaster for examples).
func LoadYAML(data []byte) (*Tree, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapInvalid(err, "tree", "LoadYAML", "parse document")
	}

	n, err := FromAny(raw)
	if err != nil {
		return nil, err
	}
	m, ok := n.(*Mapping)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrWrongNodeKind, "tree", "LoadYAML", "document root is not a mapping")
	}
	return NewFromRoot(m), nil
}

// FromAny lifts a decoded YAML value (map[string]any, []any, or scalar) into
// a Node tree.
func FromAny(v any) (Node, error) {
	switch val := v.(type) {
	case map[string]any:
		m := NewMapping()
		for k, child := range val {
			cn, err := FromAny(child)
			if err != nil {
				return nil, err
			}
			m.Set(k, cn)
		}
		return m, nil
	case map[any]any:
		// yaml.v3 can decode mapping keys as `any` rather than string when
		// the document uses non-string keys; stringify them to fit the
		// document model's string-keyed mappings.
		m := NewMapping()
		for k, child := range val {
			cn, err := FromAny(child)
			if err != nil {
				return nil, err
			}
			m.Set(fmt.Sprintf("%v", k), cn)
		}
		return m, nil
	case []any:
		seq := NewSequence()
		for _, item := range val {
			cn, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			seq.Append(cn)
		}
		return seq, nil
	case nil:
		return NewScalar(""), nil
	default:
		return NewScalar(fmt.Sprintf("%v", val)), nil
	}
}

// ToAny lowers a Node back into plain Go values, the inverse of FromAny. It
// is used when re-encoding a subtree into a configuration-document-shaped
// value is more convenient than the wire envelope (see document round-trip
// tests).
func ToAny(n Node) any {
	switch v := n.(type) {
	case *Scalar:
		return v.Value
	case *Sequence:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = ToAny(item)
		}
		return out
	case *Mapping:
		out := make(map[string]any, v.Len())
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			out[k] = ToAny(child)
		}
		return out
	default:
		return nil
	}
}
