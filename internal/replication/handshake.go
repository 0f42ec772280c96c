package replication

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"tinykv/internal/protocol"
)

// ErrHandshake marks a failure to complete the four-step handshake with
// the leader; per spec.md §7 this is a process-level startup failure, not
// a recoverable per-connection error.
var ErrHandshake = errors.New("replication: handshake with leader failed")

// Handshake is the result of a completed four-step follower handshake:
// the live connection (already transitioned past the snapshot), ready to
// be handed to the dispatch loop, plus the leader's reported replid.
type Handshake struct {
	Conn     net.Conn
	Reader   *bufio.Reader
	ReplID   string
	Snapshot []byte
}

// Dial performs the four-step handshake against leaderAddr, as specified
// in spec.md §4.6: PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1. Each step is bounded by stepTimeout so a stalled or
// unreachable leader fails startup instead of hanging it forever.
func Dial(leaderAddr string, ownPort string, stepTimeout time.Duration) (*Handshake, error) {
	conn, err := net.DialTimeout("tcp", leaderAddr, stepTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrHandshake, leaderAddr, err)
	}

	br := bufio.NewReader(conn)

	step := func(args []string, wantPrefix byte) (*protocol.Frame, error) {
		conn.SetWriteDeadline(time.Now().Add(stepTimeout))
		if _, err := conn.Write(protocol.EncodeCommand(args...)); err != nil {
			return nil, fmt.Errorf("%w: sending %v: %v", ErrHandshake, args, err)
		}
		conn.SetReadDeadline(time.Now().Add(stepTimeout))
		f, _, err := protocol.Decode(br)
		if err != nil {
			return nil, fmt.Errorf("%w: reading reply to %v: %v", ErrHandshake, args, err)
		}
		if protocol.Encode(f)[0] != wantPrefix {
			return nil, fmt.Errorf("%w: unexpected reply to %v: %s", ErrHandshake, args, f.String())
		}
		return f, nil
	}

	if _, err := step([]string{"PING"}, '+'); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := step([]string{"REPLCONF", "listening-port", ownPort}, '+'); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := step([]string{"REPLCONF", "capa", "psync2"}, '+'); err != nil {
		conn.Close()
		return nil, err
	}
	f, err := step([]string{"PSYNC", "?", "-1"}, '+')
	if err != nil {
		conn.Close()
		return nil, err
	}
	if f.Kind != protocol.SimpleString || !strings.HasPrefix(f.Text, "FULLRESYNC") {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected PSYNC reply %s", ErrHandshake, f.String())
	}
	parts := strings.Fields(f.Text)
	if len(parts) != 3 {
		conn.Close()
		return nil, fmt.Errorf("%w: malformed FULLRESYNC reply %q", ErrHandshake, f.Text)
	}
	replID := parts[1]

	conn.SetReadDeadline(time.Now().Add(stepTimeout))
	blob, _, err := protocol.DecodeRdbBlob(br)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading snapshot: %v", ErrHandshake, err)
	}

	// Clear the deadlines: the dispatch loop that follows owns its own
	// per-read idle timeout policy.
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	return &Handshake{Conn: conn, Reader: br, ReplID: replID, Snapshot: blob.Bulk}, nil
}
