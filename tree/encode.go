package tree

import (
	"encoding/json"

	"github.com/ramoncreager/matrix/errors"
)

// wireNode is the discriminated-union shape a Node serializes to on the
// wire. Request/reply and publish payloads use this encoding rather than
// yaml.v3 because they are produced and consumed many times per second on
// the hot path, where encoding/json's stdlib cost is acceptable and yaml is
// reserved for the one-time seed load.
type wireNode struct {
	Kind     string      `json:"kind"`
	Value    string      `json:"value,omitempty"`
	Items    []wireNode  `json:"items,omitempty"`
	Keys     []string    `json:"keys,omitempty"`
	Children []wireNode  `json:"children,omitempty"`
}

func toWire(n Node) wireNode {
	switch v := n.(type) {
	case *Scalar:
		return wireNode{Kind: "scalar", Value: v.Value}
	case *Sequence:
		items := make([]wireNode, len(v.Items))
		for i, item := range v.Items {
			items[i] = toWire(item)
		}
		return wireNode{Kind: "sequence", Items: items}
	case *Mapping:
		keys := v.Keys()
		children := make([]wireNode, len(keys))
		for i, k := range keys {
			child, _ := v.Get(k)
			children[i] = toWire(child)
		}
		return wireNode{Kind: "mapping", Keys: keys, Children: children}
	default:
		return wireNode{Kind: "scalar"}
	}
}

func fromWire(w wireNode) (Node, error) {
	switch w.Kind {
	case "scalar":
		return NewScalar(w.Value), nil
	case "sequence":
		seq := NewSequence()
		for _, item := range w.Items {
			n, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			seq.Append(n)
		}
		return seq, nil
	case "mapping":
		m := NewMapping()
		for i, k := range w.Keys {
			n, err := fromWire(w.Children[i])
			if err != nil {
				return nil, err
			}
			m.Set(k, n)
		}
		return m, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrWrongNodeKind, "tree", "Decode", "unknown wire kind "+w.Kind)
	}
}

// Encode serializes n into the wire envelope's node representation.
func Encode(n Node) ([]byte, error) {
	if n == nil {
		n = NewScalar("")
	}
	b, err := json.Marshal(toWire(n))
	if err != nil {
		return nil, errors.WrapInvalid(err, "tree", "Encode", "marshal node")
	}
	return b, nil
}

// Decode parses bytes produced by Encode back into a Node.
func Decode(data []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.WrapInvalid(err, "tree", "Decode", "unmarshal node")
	}
	return fromWire(w)
}
