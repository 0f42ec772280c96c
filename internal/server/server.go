// Package server wires the codec, keyspace, command registry and
// replication packages together into the connection loop (C4) spec.md
// §4.4 describes, run both for ordinary clients and — on a follower —
// for the single long-lived link to the leader.
package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"tinykv/internal/command"
	"tinykv/internal/kvstore"
	"tinykv/internal/protocol"
	"tinykv/internal/replication"
	"tinykv/internal/script"
	"tinykv/internal/snapshot"
)

// Server owns the listener and every shared collaborator a connection's
// dispatch loop closes over.
type Server struct {
	cfg Config

	store    *kvstore.Store
	info     *replication.Info
	leader   *replication.Leader // nil when running as a follower
	registry *command.Registry
	scripts  *script.Engine
	snapshot []byte

	baseCtx *command.Context

	listener net.Listener
	wg       sync.WaitGroup
	closing  chan struct{}
	ready    chan struct{}
}

// syncWriter serializes writes from multiple goroutines onto one
// net.Conn: a connection's own reply loop and, once it is registered as a
// replica, concurrent propagation from other clients' dispatch loops both
// write through the same instance, so frames from the two sources are
// never interleaved mid-frame.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

func New(cfg Config) (*Server, error) {
	mode := replication.ModeLeader
	if cfg.ReplicaOf != "" {
		mode = replication.ModeFollower
	}

	info := &replication.Info{Mode: mode, ReplID: replication.NewReplID()}

	var leader *replication.Leader
	if mode == replication.ModeLeader {
		leader = replication.NewLeader(info)
	} else {
		host, port, err := parseReplicaOf(cfg.ReplicaOf)
		if err != nil {
			return nil, err
		}
		info.LeaderAddr = net.JoinHostPort(host, port)
	}

	snap := snapshot.Load(cfg.SnapshotFile)
	store := kvstore.New()
	registry := command.NewRegistry()

	baseCtx := &command.Context{
		Registry:            registry,
		Store:               store,
		Info:                info,
		Leader:              leader,
		Snapshot:            snap,
		AllowFollowerWrites: cfg.AllowFollowerWrites,
		Scripts:             script.NewEngine(),
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		info:     info,
		leader:   leader,
		registry: registry,
		scripts:  baseCtx.Scripts,
		snapshot: snap,
		baseCtx:  baseCtx,
		closing:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Addr blocks until the listener is bound and returns its address. Mainly
// useful for tests that bind an ephemeral port (":0") and need to learn
// which one the OS picked.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Start binds the listener, launches the follower link if configured, and
// begins accepting client connections. It blocks until the listener is
// closed by Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	close(s.ready)
	log.Printf("[SERVER] listening on %s (mode=%s)", s.cfg.ListenAddr, s.info.Mode)

	if s.info.Mode == replication.ModeFollower {
		if err := s.startFollowerLink(); err != nil {
			return err
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			log.Printf("[SERVER] accept error: %v", err)
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClientConn(conn)
		}()
	}
}

// Shutdown closes the listener; in-flight connections drain on their own
// as their peers disconnect.
func (s *Server) Shutdown() {
	close(s.closing)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) listenPort() string {
	_, port, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		return s.cfg.ListenAddr
	}
	return port
}

// handleClientConn runs the connection loop of spec.md §4.4 for one
// ordinary client (which, mid-loop, may upgrade into a replica sink via
// REPLCONF listening-port).
func (s *Server) handleClientConn(conn net.Conn) {
	defer conn.Close()

	sw := &syncWriter{w: conn}
	br := bufio.NewReader(conn)

	ctx := s.baseCtx.Clone()
	ctx.RemoteAddr = conn.RemoteAddr().String()
	isReplica := false

	for {
		// A registered replica legitimately goes quiet on reads between
		// GETACK round-trips while still receiving propagated writes
		// through sw from other connections' goroutines, so the idle
		// timeout only applies before that upgrade happens.
		if s.cfg.ReadTimeout > 0 && !isReplica {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		args, raw, err := protocol.DecodeCommand(br)
		if err != nil {
			if err != io.EOF {
				log.Printf("[SERVER] %s: %v", ctx.RemoteAddr, err)
			}
			return
		}

		name := args[0]
		def, known := s.registry.Lookup(name)
		var frames []*protocol.Frame
		if !known {
			frames = []*protocol.Frame{protocol.NewError("Unknown command")}
		} else {
			frames = def.Handler(ctx, args[1:])
		}

		for _, f := range frames {
			if _, err := sw.Write(protocol.Encode(f)); err != nil {
				log.Printf("[SERVER] write to %s failed: %v", ctx.RemoteAddr, err)
				return
			}
		}

		if s.leader != nil && known {
			if def.ReplicaUpgrade || ctx.UpgradeReplica {
				s.leader.Register(sw, ctx.RemoteAddr, ctx.ListeningPort)
				isReplica = true
				conn.SetReadDeadline(time.Time{})
			}
			if def.Propagated {
				s.leader.Propagate(raw)
			}
		}

		ctx.Reset()
	}
}

// startFollowerLink performs the handshake and launches the dispatch loop
// that applies the propagated stream, per spec.md §4.6.
func (s *Server) startFollowerLink() error {
	host, port, err := parseReplicaOf(s.cfg.ReplicaOf)
	if err != nil {
		return err
	}
	hs, err := replication.Dial(net.JoinHostPort(host, port), s.listenPort(), s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	s.info.ReplID = hs.ReplID
	s.info.ReplicationOffset.Store(0)

	log.Printf("[REPLICATION] handshake with %s complete, replid=%s", s.cfg.ReplicaOf, hs.ReplID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFollowerLink(hs)
	}()
	return nil
}

func (s *Server) runFollowerLink(hs *replication.Handshake) {
	defer hs.Conn.Close()

	sw := &syncWriter{w: hs.Conn}
	ctx := s.baseCtx.Clone()
	ctx.RemoteAddr = hs.Conn.RemoteAddr().String()
	ctx.IsFollowerLink = true

	for {
		args, raw, err := protocol.DecodeCommand(hs.Reader)
		if err != nil {
			log.Printf("[REPLICATION] leader link closed: %v", err)
			return
		}

		name := args[0]
		def, known := s.registry.Lookup(name)
		var frames []*protocol.Frame
		if !known {
			frames = []*protocol.Frame{protocol.NewError("Unknown command")}
		} else {
			frames = def.Handler(ctx, args[1:])
		}

		// Offset accounting happens after dispatch but before the reply
		// (if any) is written, so GETACK reports bytes consumed before
		// the GETACK frame itself (spec.md §4.6, property 6).
		s.info.ReplicationOffset.Add(int64(len(raw)))

		serverAnswer := known && (def.ServerAnswer || ctx.ForceServerAnswer)
		if serverAnswer {
			for _, f := range frames {
				if _, err := sw.Write(protocol.Encode(f)); err != nil {
					log.Printf("[REPLICATION] ack write failed: %v", err)
					return
				}
			}
		}

		ctx.Reset()
	}
}

func parseReplicaOf(v string) (host, port string, err error) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("--replicaof expects \"host port\", got %q", v)
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", "", fmt.Errorf("--replicaof port %q is not numeric", fields[1])
	}
	return fields[0], fields[1], nil
}
