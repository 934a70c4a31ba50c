package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"QuorumKeys/internal/api"
	"QuorumKeys/internal/directory"
	"QuorumKeys/internal/feed"
	"QuorumKeys/internal/logger"
	"QuorumKeys/internal/policy"
	"QuorumKeys/internal/registry"
	"QuorumKeys/internal/storage"
)

// Node represents a running registry node.
type Node struct {
	cfg     *Config
	storage *storage.Store
	dir     *directory.Directory
	reg     *registry.Registry
	feed    *feed.Server
	policy  *policy.Engine
	api     *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initDirectory(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initPolicy(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initFeed(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initRegistry(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage, restoring a snapshot first
// when one is configured.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	if n.cfg.RestorePath == "" {
		return nil
	}

	image, err := os.ReadFile(n.cfg.RestorePath)
	if err != nil {
		return fmt.Errorf("read snapshot:\n%w", err)
	}

	if err := registry.RestoreSnapshot(db, image); err != nil {
		return fmt.Errorf("restore snapshot:\n%w", err)
	}

	logger.Info("snapshot restored", "path", n.cfg.RestorePath, "bytes", len(image))

	return nil
}

// initDirectory opens the key ownership directory.
func (n *Node) initDirectory() error {
	dir, err := directory.Open(n.storage)
	if err != nil {
		return fmt.Errorf("init directory:\n%w", err)
	}

	n.dir = dir

	return nil
}

// initPolicy loads the admission policy engine when configured.
func (n *Node) initPolicy() error {
	if n.cfg.PolicyPath == "" {
		return nil
	}

	wasmBytes, err := os.ReadFile(n.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("read policy WASM:\n%w", err)
	}

	engine, err := policy.New(wasmBytes, n.cfg.PolicyGasLimit)
	if err != nil {
		return fmt.Errorf("load policy:\n%w", err)
	}

	n.policy = engine

	return nil
}

// initFeed creates the QUIC event feed when configured.
func (n *Node) initFeed() error {
	if n.cfg.FeedAddress == "" {
		return nil
	}

	srv, err := feed.NewServer(n.cfg.FeedAddress, n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("init feed:\n%w", err)
	}

	n.feed = srv

	return nil
}

// initRegistry wires the registry to its collaborators.
func (n *Node) initRegistry() error {
	cfg := registry.Config{
		DB:     n.storage,
		Gate:   registry.CoordinatorGate{Coordinator: n.cfg.Coordinator},
		Oracle: n.dir,
	}

	if n.policy != nil {
		cfg.Hooks = n.policy
	}

	if n.feed != nil {
		cfg.Sink = n.feed
	}

	reg, err := registry.New(cfg)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	n.reg = reg

	return nil
}

// Run starts the feed and HTTP API, then blocks until shutdown.
func (n *Node) Run() error {
	feedAddr := ""

	if n.feed != nil {
		if err := n.feed.Start(); err != nil {
			return fmt.Errorf("start feed:\n%w", err)
		}
		feedAddr = n.feed.Addr()
	}

	n.api = api.New(n.cfg.HTTPAddress, n.reg, n.dir, feedAddr)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close releases node resources in reverse dependency order.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.feed != nil {
		n.feed.Close()
	}

	if n.policy != nil {
		n.policy.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
