// Package protocol implements the wire codec: a self-delimiting, typed,
// framed representation used for every message exchanged between clients,
// leaders and followers.
package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when wire data does not match the frame grammar:
// a missing prefix, a bad length, or a truncated payload. The connection
// that produced it must be closed.
var ErrMalformed = errors.New("protocol: malformed frame")

// Kind tags the variant of a decoded Frame.
type Kind int

const (
	SimpleString Kind = iota
	Error
	Integer
	BulkString
	Array
	// RdbBlob is the unterminated bulk-style payload used exactly once
	// during the initial follower sync: "$<len>\r\n<len bytes>" with no
	// trailing CRLF. It is never produced by the generic decoder since it
	// is indistinguishable on the wire from a BulkString prefix; callers
	// that expect one (the PSYNC response) read it explicitly.
	RdbBlob
)

// Frame is the unit of the wire protocol: a tagged value.
type Frame struct {
	Kind Kind

	Text string // SimpleString / Error payload (no embedded newlines)
	Num  int64  // Integer payload

	Bulk     []byte // BulkString / RdbBlob payload
	BulkNull bool   // true iff this is the distinguished null bulk string

	Items []*Frame // Array elements, in order
}

func NewSimpleString(s string) *Frame { return &Frame{Kind: SimpleString, Text: s} }
func NewError(s string) *Frame        { return &Frame{Kind: Error, Text: s} }
func NewInteger(n int64) *Frame       { return &Frame{Kind: Integer, Num: n} }

// NewBulkString wraps b as a BulkString. A nil b produces the distinguished
// null bulk string ("$-1\r\n").
func NewBulkString(b []byte) *Frame {
	if b == nil {
		return &Frame{Kind: BulkString, BulkNull: true}
	}
	return &Frame{Kind: BulkString, Bulk: b}
}

func NewBulkStringFromString(s string) *Frame { return NewBulkString([]byte(s)) }
func NullBulkString() *Frame                  { return &Frame{Kind: BulkString, BulkNull: true} }
func NewArray(items ...*Frame) *Frame          { return &Frame{Kind: Array, Items: items} }
func NewRdbBlob(b []byte) *Frame              { return &Frame{Kind: RdbBlob, Bulk: b} }

// Command is a decoded request: element 0 is the command name, elements
// 1..N are its arguments. DecodeCommand does not build one: it validates
// that the top-level frame was an Array of BulkStrings and returns the
// argument strings as a plain slice.
type Command struct {
	Args []string
}

func (c *Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func (c *Command) Arity() int { return len(c.Args) - 1 }

func (f *Frame) String() string {
	switch f.Kind {
	case SimpleString:
		return fmt.Sprintf("+%s", f.Text)
	case Error:
		return fmt.Sprintf("-%s", f.Text)
	case Integer:
		return fmt.Sprintf(":%d", f.Num)
	case BulkString:
		if f.BulkNull {
			return "$-1"
		}
		return fmt.Sprintf("$%d %q", len(f.Bulk), f.Bulk)
	case Array:
		return fmt.Sprintf("*%d", len(f.Items))
	case RdbBlob:
		return fmt.Sprintf("rdb(%d bytes)", len(f.Bulk))
	default:
		return "unknown frame"
	}
}
