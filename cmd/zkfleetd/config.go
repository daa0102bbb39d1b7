package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/olivmath/stealth-battleship-sub002/server"
	"golang.org/x/time/rate"
)

// DaemonConfig is everything zkfleetd needs, assembled from a .env file with
// flag overrides on top.
type DaemonConfig struct {
	Server server.Config

	DataDir    string
	DebugLevel string

	// External services. Empty LedgerURL means free-to-play; empty
	// ChainURL disables settlement.
	ProverURL string
	LedgerURL string
	ChainURL  string
	Contract  string

	// SigningKey authorizes settlement transactions (64 hex chars of
	// ed25519 seed).
	SigningKey ed25519.PrivateKey
}

func loadConfig() (*DaemonConfig, error) {
	var (
		envFile    = flag.String("env", "", "path to .env file (optional)")
		listen     = flag.String("listen", "", "listen address override")
		dataDir    = flag.String("datadir", "", "data directory override")
		debugLevel = flag.String("debuglevel", "", "log level override")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", *envFile, err)
		}
	} else {
		// Best effort; the daemon can run entirely from real env vars.
		_ = godotenv.Load()
	}

	cfg := &DaemonConfig{
		DataDir:    envOr("ZKFLEET_DATA_DIR", defaultDataDir()),
		DebugLevel: envOr("ZKFLEET_DEBUG_LEVEL", "info"),
		ProverURL:  os.Getenv("ZKFLEET_PROVER_URL"),
		LedgerURL:  os.Getenv("ZKFLEET_LEDGER_URL"),
		ChainURL:   os.Getenv("ZKFLEET_CHAIN_URL"),
		Contract:   os.Getenv("ZKFLEET_CONTRACT"),
		Server: server.Config{
			ListenAddr:     envOr("ZKFLEET_LISTEN", ":8080"),
			TurnTimeout:    envDuration("ZKFLEET_TURN_TIMEOUT", 30*time.Second),
			ReconnectGrace: envDuration("ZKFLEET_RECONNECT_GRACE", 30*time.Second),
			SweepInterval:  envDuration("ZKFLEET_SWEEP_INTERVAL", time.Minute),
			StaleAge:       envDuration("ZKFLEET_STALE_AGE", 30*time.Minute),
			AttackRate:     rate.Limit(envFloat("ZKFLEET_ATTACK_RATE", 5)),
			AttackBurst:    envInt("ZKFLEET_ATTACK_BURST", 10),
		},
	}

	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *debugLevel != "" {
		cfg.DebugLevel = *debugLevel
	}

	if cfg.ProverURL == "" {
		return nil, fmt.Errorf("ZKFLEET_PROVER_URL is required")
	}
	if cfg.ChainURL != "" {
		seed := os.Getenv("ZKFLEET_SIGNING_KEY")
		sb, err := hex.DecodeString(seed)
		if err != nil || len(sb) != ed25519.SeedSize {
			return nil, fmt.Errorf("ZKFLEET_SIGNING_KEY: expected %d hex chars", 2*ed25519.SeedSize)
		}
		cfg.SigningKey = ed25519.NewKeyFromSeed(sb)
		if cfg.Contract == "" {
			return nil, fmt.Errorf("ZKFLEET_CONTRACT is required when settlement is enabled")
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".zkfleet"
	}
	return filepath.Join(home, ".zkfleet")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
