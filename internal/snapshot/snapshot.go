// Package snapshot loads the opaque byte string a leader sends a follower
// immediately after FULLRESYNC. The content is never parsed or produced
// from live keyspace data here — persistence of writes is a Non-goal; this
// package only has to hand back a valid-looking empty payload.
package snapshot

import (
	"encoding/hex"
	"log"
	"os"
	"strings"
)

// emptyRDB is the fallback payload used when no snapshot file is
// configured or it cannot be read: the same shape as the minimal
// empty-RDB the teacher's generateEmptyRDB produced — a header, an EOF
// opcode, and an 8-byte (unchecked) checksum footer.
var emptyRDB = []byte("REDIS0011\xff\x00\x00\x00\x00\x00\x00\x00\x00")

// Load reads path as hex-encoded text and decodes it. A missing or
// unreadable file is tolerated: the leader falls back to emptyRDB so it
// can always answer PSYNC.
func Load(path string) []byte {
	if path == "" {
		return emptyRDB
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[SNAPSHOT] %s not readable (%v), using built-in empty snapshot", path, err)
		return emptyRDB
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		log.Printf("[SNAPSHOT] %s is not valid hex (%v), using built-in empty snapshot", path, err)
		return emptyRDB
	}
	return decoded
}
