// Package wire implements the gofastkv framing and tagged-value codec: the
// outer length-prefixed message frame, the request argument layout, and the
// tagged response value serialization shared by the server and the client.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Size bounds. Frames or argument counts outside these are protocol errors.
const (
	MaxMsg  = 4096 // max payload bytes following the 4-byte frame length
	MaxArgs = 1024 // max argument count in a request
)

// Error codes carried in an Err value.
const (
	CodeOK = 0
	CodeErr = 1 // generic
	CodeNX  = 2 // not found / over-limit
)

// Tag identifies the wire shape of a Value.
type Tag byte

const (
	TagNil Tag = 0
	TagErr Tag = 1
	TagStr Tag = 2
	TagInt Tag = 3
	TagArr Tag = 4
)

// Value is the tagged sum type produced by the dispatcher and consumed by
// the client decoder. Exactly one of its fields is meaningful, selected by
// Tag.
type Value struct {
	Tag  Tag
	Code int32
	Msg  string
	Str  []byte
	Int  int64
	Arr  []Value
}

// Nil constructs a NIL value.
func Nil() Value { return Value{Tag: TagNil} }

// Err constructs an ERR value.
func Err(code int32, msg string) Value { return Value{Tag: TagErr, Code: code, Msg: msg} }

// Str constructs a STR value.
func Str(b []byte) Value { return Value{Tag: TagStr, Str: b} }

// Int constructs an INT value.
func Int(n int64) Value { return Value{Tag: TagInt, Int: n} }

// Arr constructs an ARR value.
func Arr(items []Value) Value { return Value{Tag: TagArr, Arr: items} }

// EncodedSize returns the number of bytes Encode would write for v,
// without allocating. Used by the dispatcher to enforce the reply-size
// guard before committing a response to the write buffer.
func EncodedSize(v Value) int {
	switch v.Tag {
	case TagNil:
		return 1
	case TagErr:
		return 1 + 4 + 4 + len(v.Msg)
	case TagStr:
		return 1 + 4 + len(v.Str)
	case TagInt:
		return 1 + 8
	case TagArr:
		n := 1 + 4
		for _, child := range v.Arr {
			n += EncodedSize(child)
		}
		return n
	default:
		return 0
	}
}

// Encode appends the wire encoding of v to dst and returns the extended
// slice. It never fails: callers are expected to have validated sizes via
// EncodedSize/the reply guard before calling Encode.
func Encode(dst []byte, v Value) []byte {
	switch v.Tag {
	case TagNil:
		return append(dst, byte(TagNil))
	case TagErr:
		dst = append(dst, byte(TagErr))
		dst = appendU32(dst, uint32(v.Code))
		msg := []byte(v.Msg)
		dst = appendU32(dst, uint32(len(msg)))
		return append(dst, msg...)
	case TagStr:
		dst = append(dst, byte(TagStr))
		dst = appendU32(dst, uint32(len(v.Str)))
		return append(dst, v.Str...)
	case TagInt:
		dst = append(dst, byte(TagInt))
		return appendU64(dst, uint64(v.Int))
	case TagArr:
		dst = append(dst, byte(TagArr))
		dst = appendU32(dst, uint32(len(v.Arr)))
		for _, child := range v.Arr {
			dst = Encode(dst, child)
		}
		return dst
	default:
		return dst
	}
}

func appendU32(dst []byte, n uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	return append(dst, buf[:]...)
}

func appendU64(dst []byte, n uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return append(dst, buf[:]...)
}

// Decode recursively decodes a single tagged value from b, returning the
// value and the number of bytes consumed. It is the single decode routine
// shared by the response parser (client side) and anywhere else a tagged
// value needs reading back.
func Decode(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("wire: empty input, need tag byte")
	}
	tag := Tag(b[0])
	switch tag {
	case TagNil:
		return Nil(), 1, nil

	case TagErr:
		if len(b) < 1+4+4 {
			return Value{}, 0, fmt.Errorf("wire: truncated ERR header")
		}
		code := int32(binary.LittleEndian.Uint32(b[1:5]))
		n := binary.LittleEndian.Uint32(b[5:9])
		if uint32(len(b)-9) < n {
			return Value{}, 0, fmt.Errorf("wire: truncated ERR message")
		}
		msg := string(b[9 : 9+n])
		return Err(code, msg), 9 + int(n), nil

	case TagStr:
		if len(b) < 1+4 {
			return Value{}, 0, fmt.Errorf("wire: truncated STR header")
		}
		n := binary.LittleEndian.Uint32(b[1:5])
		if uint32(len(b)-5) < n {
			return Value{}, 0, fmt.Errorf("wire: truncated STR payload")
		}
		return Str(b[5 : 5+n]), 5 + int(n), nil

	case TagInt:
		if len(b) < 1+8 {
			return Value{}, 0, fmt.Errorf("wire: truncated INT")
		}
		n := int64(binary.LittleEndian.Uint64(b[1:9]))
		return Int(n), 9, nil

	case TagArr:
		if len(b) < 1+4 {
			return Value{}, 0, fmt.Errorf("wire: truncated ARR header")
		}
		count := binary.LittleEndian.Uint32(b[1:5])
		consumed := 5
		items := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			if consumed > len(b) {
				return Value{}, 0, fmt.Errorf("wire: truncated ARR element %d", i)
			}
			child, n, err := Decode(b[consumed:])
			if err != nil {
				return Value{}, 0, fmt.Errorf("wire: ARR element %d: %w", i, err)
			}
			items = append(items, child)
			consumed += n
		}
		return Arr(items), consumed, nil

	default:
		return Value{}, 0, fmt.Errorf("wire: unknown tag %d", tag)
	}
}

// EncodeRequest serializes a command's argument list as a full framed
// request: total_len, nargs, then (arg_len, arg) pairs.
func EncodeRequest(args [][]byte) ([]byte, error) {
	if len(args) > MaxArgs {
		return nil, fmt.Errorf("wire: %d args exceeds MaxArgs %d", len(args), MaxArgs)
	}

	payloadLen := 4
	for _, a := range args {
		payloadLen += 4 + len(a)
	}
	if payloadLen > MaxMsg {
		return nil, fmt.Errorf("wire: request payload %d exceeds MaxMsg %d", payloadLen, MaxMsg)
	}

	buf := make([]byte, 0, 4+payloadLen)
	buf = appendU32(buf, uint32(payloadLen))
	buf = appendU32(buf, uint32(len(args)))
	for _, a := range args {
		buf = appendU32(buf, uint32(len(a)))
		buf = append(buf, a...)
	}
	return buf, nil
}

// DecodeRequestArgs parses a request payload (the bytes following the
// 4-byte frame length) into its argument list. It enforces that nargs does
// not exceed MaxArgs and that consumed bytes exactly equal len(payload);
// any mismatch is a framing error that must close the connection.
func DecodeRequestArgs(payload []byte) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("wire: payload shorter than nargs field")
	}
	nargs := binary.LittleEndian.Uint32(payload[0:4])
	if nargs > MaxArgs {
		return nil, fmt.Errorf("wire: nargs %d exceeds MaxArgs %d", nargs, MaxArgs)
	}

	args := make([][]byte, 0, nargs)
	off := 4
	for i := uint32(0); i < nargs; i++ {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("wire: truncated arg_len for arg %d", i)
		}
		alen := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		if off+int(alen) > len(payload) {
			return nil, fmt.Errorf("wire: truncated arg body for arg %d", i)
		}
		args = append(args, payload[off:off+int(alen)])
		off += int(alen)
	}

	if off != len(payload) {
		return nil, fmt.Errorf("wire: %d trailing bytes after args", len(payload)-off)
	}
	return args, nil
}
