package replication

import (
	"bufio"
	"net"
	"testing"
	"time"

	"tinykv/internal/protocol"
)

// fakeLeader plays the leader side of the four-step handshake just well
// enough to exercise Dial: reply OK/PONG to each step, then FULLRESYNC
// followed by a snapshot blob with no trailing CRLF.
func fakeLeader(t *testing.T, ln net.Listener, replID string, snapshot []byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("fake leader accept: %v", err)
		return
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		if _, _, err := protocol.DecodeCommand(br); err != nil {
			t.Errorf("fake leader step %d decode: %v", i, err)
			return
		}
		reply := protocol.NewSimpleString("PONG")
		if i > 0 {
			reply = protocol.NewSimpleString("OK")
		}
		conn.Write(protocol.Encode(reply))
	}

	if _, _, err := protocol.DecodeCommand(br); err != nil {
		t.Errorf("fake leader psync decode: %v", err)
		return
	}
	conn.Write(protocol.Encode(protocol.NewSimpleString("FULLRESYNC " + replID + " 0")))
	conn.Write(protocol.Encode(protocol.NewRdbBlob(snapshot)))
}

func TestDialCompletesHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	replID := NewReplID()
	snapshot := []byte("REDIS0011\xff")

	go fakeLeader(t, ln, replID, snapshot)

	hs, err := Dial(ln.Addr().String(), "6380", 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer hs.Conn.Close()

	if hs.ReplID != replID {
		t.Fatalf("got replid %q, want %q", hs.ReplID, replID)
	}
	if string(hs.Snapshot) != string(snapshot) {
		t.Fatalf("got snapshot %q, want %q", hs.Snapshot, snapshot)
	}
}

func TestDialFailsOnUnreachableLeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing is listening anymore

	if _, err := Dial(addr, "6380", 200*time.Millisecond); err == nil {
		t.Fatal("expected Dial to fail against a closed listener")
	}
}
