// Package client implements the other side of the wire contract: send one
// request, read exactly one framed response, decode it, and render it
// human-readably, mirroring internal/wire's server-side codec.
package client

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/armandparser/gofastkv/internal/wire"
)

// Client holds a single connection to a gofastkv server.
type Client struct {
	conn net.Conn
}

// Dial opens a TCP connection to addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SendCommand encodes args as one request, sends it, reads exactly one
// framed response, and decodes it.
func (c *Client) SendCommand(args []string) (wire.Value, error) {
	byteArgs := make([][]byte, len(args))
	for i, a := range args {
		byteArgs[i] = []byte(a)
	}

	req, err := wire.EncodeRequest(byteArgs)
	if err != nil {
		return wire.Value{}, fmt.Errorf("client: encode request: %w", err)
	}

	if err := writeAll(c.conn, req); err != nil {
		return wire.Value{}, fmt.Errorf("client: send request: %w", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return wire.Value{}, fmt.Errorf("client: read response length: %w", err)
	}
	total := uint32(lenBuf[0]) | uint32(lenBuf[1])<<8 | uint32(lenBuf[2])<<16 | uint32(lenBuf[3])<<24
	if total > wire.MaxMsg {
		return wire.Value{}, fmt.Errorf("client: response frame %d exceeds MaxMsg %d", total, wire.MaxMsg)
	}

	payload := make([]byte, total)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return wire.Value{}, fmt.Errorf("client: read response payload: %w", err)
	}

	v, consumed, err := wire.Decode(payload)
	if err != nil {
		return wire.Value{}, fmt.Errorf("client: decode response: %w", err)
	}
	if consumed != len(payload) {
		return wire.Value{}, fmt.Errorf("client: response decode consumed %d of %d bytes", consumed, len(payload))
	}
	return v, nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Format renders v the way the spec's client output is defined: (nil),
// (err) <code> <msg>, (str) <s>, (int) <n>, (arr) len=<n> ... (arr) end.
func Format(v wire.Value) string {
	var b strings.Builder
	formatInto(&b, v)
	return b.String()
}

func formatInto(b *strings.Builder, v wire.Value) {
	switch v.Tag {
	case wire.TagNil:
		b.WriteString("(nil)")
	case wire.TagErr:
		fmt.Fprintf(b, "(err) %d %s", v.Code, v.Msg)
	case wire.TagStr:
		fmt.Fprintf(b, "(str) %s", string(v.Str))
	case wire.TagInt:
		fmt.Fprintf(b, "(int) %d", v.Int)
	case wire.TagArr:
		fmt.Fprintf(b, "(arr) len=%d", len(v.Arr))
		for _, item := range v.Arr {
			b.WriteString(" ")
			formatInto(b, item)
		}
		b.WriteString(" (arr) end")
	}
}
