package datasource

import "encoding/json"

// BytesCodec is the identity Codec for []byte records, used by raw
// transports such as a GenericBuffer's Data().
var BytesCodec = Codec[[]byte]{
	Marshal:   func(b []byte) ([]byte, error) { return b, nil },
	Unmarshal: func(b []byte) ([]byte, error) { return b, nil },
}

// JSONCodec builds a Codec[T] backed by encoding/json, for record types
// that don't need the tree package's wire envelope.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Marshal: func(v T) ([]byte, error) { return json.Marshal(v) },
		Unmarshal: func(b []byte) (T, error) {
			var v T
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}
