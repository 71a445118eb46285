// Package main provides the serve command for the kervand daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/config"
	"github.com/KilimcininKorOglu/kervan/internal/kv"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
	"github.com/KilimcininKorOglu/kervan/internal/membership"
	"github.com/KilimcininKorOglu/kervan/internal/raft"
	"github.com/KilimcininKorOglu/kervan/internal/rest"
	"github.com/KilimcininKorOglu/kervan/internal/storage"
)

// Server errors.
var (
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrListenerFailed       = errors.New("failed to create listener")
)

// KVServer is one store node: the consensus core, its durable storage,
// the replicated state machine, and the HTTP API in front of it.
type KVServer struct {
	config     *config.Config
	logger     logging.Logger
	store      *kv.Store
	logStore   *storage.FileLogStore
	stable     *storage.FileStableStore
	snapshots  *storage.FileSnapshotStore
	transport  *raft.TCPTransport
	node       *raft.Node
	restServer *rest.Server
	pidFile    string
	running    bool
	mu         sync.Mutex
}

// NewServer creates a store node from the given configuration. The data
// directory is created if it does not exist.
func NewServer(cfg *config.Config) (*KVServer, error) {
	// Create logger
	logger := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		Keep:      cfg.Logging.Keep,
		Compress:  cfg.Logging.Compress,
	}).WithNode(cfg.Node.ID)

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Open durable storage. The three stores share the data directory.
	logStore, err := storage.OpenLogStore(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}
	stable, err := storage.OpenStableStore(cfg.Node.DataDir)
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to open stable store: %w", err)
	}
	snapshots, err := storage.OpenSnapshotStore(cfg.Node.DataDir)
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	// Create the replicated state machine
	store := kv.NewStore()

	// Create the consensus transport and register the peers we know
	transport := raft.NewTCPTransport(cfg.Node.Addr)
	for _, p := range cfg.Cluster.Peers {
		if p.ID == cfg.Node.ID {
			continue
		}
		transport.AddPeer(p.ID, p.Addr)
	}

	// Initial membership only matters on a bootstrap first start; an
	// existing node recovers membership from its log and snapshot.
	var initial *membership.Membership
	if cfg.Cluster.Bootstrap {
		peers := make([]membership.Peer, 0, len(cfg.Cluster.Peers))
		for _, p := range cfg.Cluster.Peers {
			peers = append(peers, membership.Peer{ID: p.ID, Addr: p.Addr})
		}
		initial, err = membership.New(peers)
		if err != nil {
			logStore.Close()
			return nil, fmt.Errorf("invalid bootstrap membership: %w", err)
		}
	}

	node, err := raft.NewNode(raftOptions(cfg, logger), raft.Backends{
		Log:       logStore,
		Stable:    stable,
		Snapshots: snapshots,
		Machine:   store,
		Transport: transport,
	}, initial)
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to create consensus node: %w", err)
	}

	// Create the HTTP API server
	restCfg := rest.DefaultServerConfig()
	restCfg.Address = cfg.API.Address
	restCfg.ReadTimeout = cfg.API.ReadTimeout
	restCfg.WriteTimeout = cfg.API.WriteTimeout
	restCfg.CORSOrigins = cfg.API.CORSOrigins
	restCfg.ProposeTimeout = cfg.Raft.ProposeTimeout
	restServer := rest.NewServer(restCfg, node, store, logger)

	return &KVServer{
		config:     cfg,
		logger:     logger,
		store:      store,
		logStore:   logStore,
		stable:     stable,
		snapshots:  snapshots,
		transport:  transport,
		node:       node,
		restServer: restServer,
	}, nil
}

// raftOptions maps the file configuration onto consensus options.
func raftOptions(cfg *config.Config, logger logging.Logger) *raft.Options {
	opts := raft.DefaultOptions(cfg.Node.ID)
	opts.ElectionTimeoutMin = cfg.Raft.ElectionTimeoutMin
	opts.ElectionTimeoutMax = cfg.Raft.ElectionTimeoutMax
	opts.HeartbeatInterval = cfg.Raft.HeartbeatInterval
	opts.MaxEntriesPerAppend = cfg.Raft.MaxEntriesPerAppend
	opts.MaxBytesPerAppend = cfg.Raft.MaxBytesPerAppend
	opts.SnapshotThreshold = cfg.Raft.SnapshotThreshold
	opts.SnapshotThresholdBytes = cfg.Raft.SnapshotThresholdBytes
	opts.SnapshotChunkSize = cfg.Raft.SnapshotChunkSize
	if cfg.Raft.ReadPolicy == "lease" {
		opts.ReadPolicy = raft.ReadLeaderLease
	} else {
		opts.ReadPolicy = raft.ReadCommitConfirmed
	}
	opts.LeaseDuration = cfg.Raft.LeaseDuration
	opts.ProposalQueueDepth = cfg.Raft.ProposalQueueDepth
	opts.Logger = logger
	return opts
}

// Node returns the consensus node.
func (s *KVServer) Node() *raft.Node {
	return s.node
}

// APIAddr returns the HTTP API's bound address.
func (s *KVServer) APIAddr() string {
	return s.restServer.Addr()
}

// Start starts the consensus node and the HTTP API. It returns once
// both listeners are bound; serving continues in the background.
func (s *KVServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if err := s.node.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	s.logger.Info("consensus transport listening", "address", s.transport.LocalAddr())

	if err := s.restServer.Start(); err != nil {
		s.node.Shutdown()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	return nil
}

// Stop gracefully stops the server. In-flight API requests get until
// the context deadline to finish.
func (s *KVServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down")

	var firstErr error
	if err := s.restServer.Stop(ctx); err != nil {
		firstErr = err
	}

	// Shutdown closes the transport and waits for the event loop.
	s.node.Shutdown()

	if err := s.logStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("shutdown complete")
	return firstErr
}

// writePIDFile writes the process id to the configured PID file.
func (s *KVServer) writePIDFile(path string) error {
	if path == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid))

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	s.pidFile = path
	s.logger.Info("PID file written", "file", path, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (s *KVServer) removePIDFile() {
	if s.pidFile != "" {
		os.Remove(s.pidFile)
		s.logger.Debug("PID file removed", "file", s.pidFile)
	}
}

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	nodeID := fs.Uint64("id", 0, "Server id (overrides config)")
	address := fs.String("address", "", "Consensus listen address (overrides config)")
	apiAddress := fs.String("api-address", "", "HTTP API listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	bootstrap := fs.Bool("bootstrap", false, "Create a fresh cluster on first start")
	pidFile := fs.String("pid-file", "", "Write the process id to this file while running")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	// Load configuration
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply command-line overrides (higher priority than config file)
	if *nodeID != 0 {
		cfg.Node.ID = *nodeID
	}
	if *address != "" {
		cfg.Node.Addr = *address
	}
	if *apiAddress != "" {
		cfg.API.Address = *apiAddress
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *bootstrap {
		cfg.Cluster.Bootstrap = true
	}

	// Apply environment variable overrides (highest priority)
	applyEnvOverrides(cfg)

	// A bootstrap with no configured peers means a single-node cluster.
	if cfg.Cluster.Bootstrap && len(cfg.Cluster.Peers) == 0 {
		cfg.Cluster.Peers = []config.PeerConfig{{ID: cfg.Node.ID, Addr: cfg.Node.Addr}}
	}

	// Validate configuration
	errs := config.ValidateConfig(cfg)
	if len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration errors:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return 1
	}

	// Create server
	srv, err := NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}

	// Write PID file
	if *pidFile != "" {
		if err := srv.writePIDFile(*pidFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write PID file: %v\n", err)
			return 1
		}
		defer srv.removePIDFile()
	}

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		return 1
	}

	// Wait for a shutdown signal
	sig := <-sigCh
	srv.logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
