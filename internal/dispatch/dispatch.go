// Package dispatch turns framed request payloads into keyspace operations
// and tagged-value reply payloads. It is the glue between the connection
// FSM (conn.Handler) and the keyspace.
package dispatch

import (
	"strings"

	"github.com/armandparser/gofastkv/internal/keyspace"
	"github.com/armandparser/gofastkv/internal/metrics"
	"github.com/armandparser/gofastkv/internal/wire"
)

// maxReplyPayload is the largest reply payload (tagged-value bytes,
// excluding the 4-byte frame length) the dispatcher emits, 4 bytes below
// MaxMsg.
const maxReplyPayload = wire.MaxMsg - 4

// Dispatcher executes commands against a single keyspace. It is owned
// exclusively by the event-loop goroutine, same as the keyspace itself.
type Dispatcher struct {
	ks   *keyspace.Map
	recs *metrics.Recorder
}

// New returns a Dispatcher over ks. recs may be nil, in which case
// command counters are simply not recorded.
func New(ks *keyspace.Map, recs *metrics.Recorder) *Dispatcher {
	if recs != nil {
		ks.OnResizeWork = recs.ResizeUnitsMoved
	}
	return &Dispatcher{ks: ks, recs: recs}
}

// Handle implements conn.Handler: it parses payload into arguments,
// dispatches on the verb, and returns the encoded reply. ok is false when
// the payload itself is malformed (arg-count overflow, truncated
// argument, trailing garbage) — the caller must close the connection
// without replying.
func (d *Dispatcher) Handle(payload []byte) (reply []byte, ok bool) {
	args, err := wire.DecodeRequestArgs(payload)
	if err != nil {
		return nil, false
	}

	v := d.execute(args)
	return d.encodeWithGuard(v), true
}

func (d *Dispatcher) execute(args [][]byte) wire.Value {
	if len(args) == 0 {
		return unknownCommand()
	}

	verb := strings.ToUpper(string(args[0]))
	if d.recs != nil {
		d.recs.CommandReceived(verb)
	}

	switch verb {
	case "GET":
		if len(args) != 2 {
			return unknownCommand()
		}
		value, found := d.ks.Lookup(string(args[1]))
		if !found {
			return wire.Nil()
		}
		return wire.Str(value)

	case "SET":
		if len(args) != 3 {
			return unknownCommand()
		}
		d.ks.Insert(string(args[1]), append([]byte(nil), args[2]...))
		return wire.Nil()

	case "DEL":
		if len(args) != 2 {
			return unknownCommand()
		}
		if d.ks.Remove(string(args[1])) {
			return wire.Int(1)
		}
		return wire.Int(0)

	case "KEYS":
		if len(args) != 1 {
			return unknownCommand()
		}
		keys := d.ks.Keys()
		items := make([]wire.Value, len(keys))
		for i, k := range keys {
			items[i] = wire.Str([]byte(k))
		}
		return wire.Arr(items)

	default:
		return unknownCommand()
	}
}

func unknownCommand() wire.Value {
	return wire.Err(wire.CodeErr, "Unknown CMD")
}

// encodeWithGuard enforces the reply-size guard: a reply whose encoding
// exceeds maxReplyPayload is discarded and replaced with an NX error,
// exactly as spec'd, rather than ever emitting a frame larger than MaxMsg.
func (d *Dispatcher) encodeWithGuard(v wire.Value) []byte {
	if wire.EncodedSize(v) > maxReplyPayload {
		return wire.Encode(nil, wire.Err(wire.CodeNX, "Response is too big"))
	}
	return wire.Encode(nil, v)
}
