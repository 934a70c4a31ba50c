package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"QuorumKeys/internal/registry"
)

// Config holds the registry node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// FeedAddress is the QUIC event feed listen address ("" disables the feed).
	FeedAddress string

	// KeyPath is the path to the Ed25519 private key file used for feed TLS.
	KeyPath string

	// PrivateKey is the node's Ed25519 key.
	PrivateKey ed25519.PrivateKey

	// CoordinatorHex is the hex identity authorized to mutate the registry.
	CoordinatorHex string

	// Coordinator is the parsed coordinator identity.
	Coordinator registry.Identity

	// PolicyPath is the path to an admission policy WASM file ("" disables policies).
	PolicyPath string

	// PolicyGasLimit caps instructions per policy invocation.
	PolicyGasLimit uint64

	// RestorePath is a snapshot file to restore into an empty data directory.
	RestorePath string

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel slog.Level
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}
	logLevel := ""

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.FeedAddress, "feed", ":9090", "QUIC event feed address (empty to disable)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.CoordinatorHex, "coordinator", "", "Hex identity authorized to mutate (required)")
	flag.StringVar(&cfg.PolicyPath, "policy", "", "Admission policy WASM path (empty to disable)")
	flag.Uint64Var(&cfg.PolicyGasLimit, "policy-gas", 1_000_000, "Instruction budget per policy invocation")
	flag.StringVar(&cfg.RestorePath, "restore", "", "Snapshot file to restore on startup")
	flag.StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if cfg.CoordinatorHex == "" {
		return nil, fmt.Errorf("--coordinator is required")
	}

	raw, err := hex.DecodeString(cfg.CoordinatorHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid coordinator identity: %q", cfg.CoordinatorHex)
	}
	copy(cfg.Coordinator[:], raw)

	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseLogLevel maps a level name to its slog level.
func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return 0, fmt.Errorf("unknown log level: %q", name)
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
