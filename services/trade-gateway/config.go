package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config captures runtime configuration for the trade gateway. Values load
// from a TOML file and may be overridden through TRADEGW_* environment
// variables; secrets only ever come from the environment.
type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	Environment     string `toml:"Environment"`
	BackendURL      string `toml:"BackendURL"`
	ChainRPCURL     string `toml:"ChainRPCURL"`
	ContractAddress string `toml:"ContractAddress"`
	DatabasePath    string `toml:"DatabasePath"`
	WebhookURL      string `toml:"WebhookURL"`
	PollInterval    string `toml:"PollInterval"`

	// Resolved at load time, not serialised.
	SessionSecret string        `toml:"-"`
	WalletKey     string        `toml:"-"`
	Poll          time.Duration `toml:"-"`
}

// LoadConfig reads the TOML file at path (optional) and applies environment
// overrides, failing fast on anything required but missing.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8083",
		DatabasePath:  "trade-gateway.db",
		PollInterval:  "5s",
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if _, err := os.Stat(trimmed); err == nil {
			if _, err := toml.DecodeFile(trimmed, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", trimmed, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	applyEnv(&cfg.ListenAddress, "TRADEGW_LISTEN")
	applyEnv(&cfg.Environment, "TRADEGW_ENV")
	applyEnv(&cfg.BackendURL, "TRADEGW_BACKEND_URL")
	applyEnv(&cfg.ChainRPCURL, "TRADEGW_CHAIN_RPC_URL")
	applyEnv(&cfg.ContractAddress, "TRADEGW_CONTRACT_ADDRESS")
	applyEnv(&cfg.DatabasePath, "TRADEGW_DB_PATH")
	applyEnv(&cfg.WebhookURL, "TRADEGW_WEBHOOK_URL")
	applyEnv(&cfg.PollInterval, "TRADEGW_POLL_INTERVAL")
	cfg.SessionSecret = strings.TrimSpace(os.Getenv("TRADEGW_SESSION_SECRET"))
	cfg.WalletKey = strings.TrimSpace(os.Getenv("TRADEGW_WALLET_KEY"))

	if cfg.BackendURL == "" {
		return Config{}, errors.New("backend url is required (TRADEGW_BACKEND_URL)")
	}
	if cfg.ChainRPCURL == "" {
		return Config{}, errors.New("chain rpc url is required (TRADEGW_CHAIN_RPC_URL)")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return Config{}, fmt.Errorf("contract address %q is not a valid address", cfg.ContractAddress)
	}
	if cfg.SessionSecret == "" {
		return Config{}, errors.New("session secret is required (TRADEGW_SESSION_SECRET)")
	}

	poll, err := time.ParseDuration(strings.TrimSpace(cfg.PollInterval))
	if err != nil {
		return Config{}, fmt.Errorf("parse poll interval: %w", err)
	}
	if poll <= 0 {
		return Config{}, errors.New("poll interval must be positive")
	}
	cfg.Poll = poll
	return cfg, nil
}

func applyEnv(target *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*target = val
	}
}
