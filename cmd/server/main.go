package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tinykv/internal/server"
)

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	replicaof := flag.String("replicaof", "", `"<host> <port>" of a leader to follow`)
	snapshotFile := flag.String("snapshot-file", "empty.rdb.hex", "hex-encoded snapshot blob served on PSYNC")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "idle read timeout per client connection")
	handshakeTimeout := flag.Duration("handshake-timeout", 5*time.Second, "per-step timeout for the follower handshake")
	allowFollowerWrites := flag.Bool("allow-follower-writes", false, "tolerate local writes on a follower's client port instead of rejecting them")
	flag.Parse()

	cfg := server.DefaultConfig()
	cfg.ListenAddr = fmt.Sprintf(":%d", *port)
	cfg.ReplicaOf = *replicaof
	cfg.SnapshotFile = *snapshotFile
	cfg.ReadTimeout = *readTimeout
	cfg.HandshakeTimeout = *handshakeTimeout
	cfg.AllowFollowerWrites = *allowFollowerWrites

	srv, err := server.New(cfg)
	if err != nil {
		log.Printf("[SERVER] configuration error: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[SERVER] shutting down")
		srv.Shutdown()
	}()

	log.Printf("[SERVER] starting on port %d", *port)
	if err := srv.Start(); err != nil {
		log.Printf("[SERVER] %v", err)
		os.Exit(1)
	}
}
