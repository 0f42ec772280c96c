package protocol

import (
	"bytes"
	"fmt"
)

// Encode renders f in its wire form. Pure function: no I/O, no shared state.
//
// RdbBlob is the single asymmetry in the protocol: it is framed exactly like
// a BulkString header but carries no trailing CRLF, since it is only ever
// used once per connection (the PSYNC snapshot) and the follower knows its
// exact length up front.
func Encode(f *Frame) []byte {
	switch f.Kind {
	case SimpleString:
		return []byte(fmt.Sprintf("+%s\r\n", f.Text))
	case Error:
		return []byte(fmt.Sprintf("-%s\r\n", f.Text))
	case Integer:
		return []byte(fmt.Sprintf(":%d\r\n", f.Num))
	case BulkString:
		if f.BulkNull {
			return []byte("$-1\r\n")
		}
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "$%d\r\n", len(f.Bulk))
		buf.Write(f.Bulk)
		buf.WriteString("\r\n")
		return buf.Bytes()
	case Array:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "*%d\r\n", len(f.Items))
		for _, item := range f.Items {
			buf.Write(Encode(item))
		}
		return buf.Bytes()
	case RdbBlob:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "$%d\r\n", len(f.Bulk))
		buf.Write(f.Bulk)
		return buf.Bytes()
	default:
		return nil
	}
}

// EncodeCommand builds the Array-of-BulkStrings wire form of a command
// request, e.g. for a follower's outgoing handshake messages or a
// REPLCONF ACK. It is never used to re-encode a command the leader is
// about to propagate — propagation always forwards the exact bytes the
// leader decoded (see internal/replication).
func EncodeCommand(args ...string) []byte {
	items := make([]*Frame, len(args))
	for i, a := range args {
		items[i] = NewBulkStringFromString(a)
	}
	return Encode(NewArray(items...))
}
