package keymaster

import (
	"bytes"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/wire"
)

// Request opcodes, sent as the first frame of a request/reply message
// (§6): a single byte identifying the operation, followed by the
// operation's argument frames.
const (
	opPing byte = iota
	opGet
	opPut
	opDel
)

// replyStatus is the first frame of every reply message.
const (
	statusOK byte = iota
	statusError
)

// buildRequest assembles a request/reply-socket message: [opcode][key]
// [optional value frame][optional create-flag frame].
func buildRequest(op byte, key string, value []byte, create *bool) [][]byte {
	frames := [][]byte{{op}, []byte(key)}
	if value != nil {
		frames = append(frames, value)
	}
	if create != nil {
		b := byte(0)
		if *create {
			b = 1
		}
		frames = append(frames, []byte{b})
	}
	return frames
}

// buildReply assembles a reply message: [status][payload-or-error-string].
func buildReply(ok bool, payload []byte, errMsg string) [][]byte {
	if ok {
		return [][]byte{{statusOK}, payload}
	}
	return [][]byte{{statusError}, []byte(errMsg)}
}

// encodeChangeEnvelope wraps a change notification's true (fully-qualified)
// key and value together, since a single publish goes out once per
// ancestor prefix (§9) and a subscriber watching an ancestor still needs to
// know which descendant actually changed.
func encodeChangeEnvelope(fullKey string, value []byte) []byte {
	var buf bytes.Buffer
	_ = wire.WriteMessage(&buf, [][]byte{[]byte(fullKey), value})
	return buf.Bytes()
}

// decodeChangeEnvelope is the inverse of encodeChangeEnvelope.
func decodeChangeEnvelope(data []byte) (fullKey string, value []byte, err error) {
	frames, err := wire.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}
	if len(frames) != 2 {
		return "", nil, errors.WrapInvalid(errors.ErrInvalidData, "keymaster", "decodeChangeEnvelope", "expected 2 frames")
	}
	return string(frames[0]), frames[1], nil
}
