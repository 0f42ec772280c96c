package server

import "time"

// Config holds the external interface surface from spec.md §6, expanded
// per SPEC_FULL.md §6.1 with the snapshot file path and the two timeouts
// the teacher's own Config struct always carries for a listener of this
// shape.
type Config struct {
	ListenAddr string

	// ReplicaOf is "host port" to start in follower mode, or "" to start
	// as a leader.
	ReplicaOf string

	SnapshotFile string

	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration

	// AllowFollowerWrites resolves spec.md §9 open question 2: by
	// default a follower rejects client writes on its own port with an
	// error frame; set true to tolerate local, un-replicated writes
	// instead. See DESIGN.md.
	AllowFollowerWrites bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":6379",
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SnapshotFile:     "empty.rdb.hex",
	}
}
