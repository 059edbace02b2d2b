package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setGatewayEnv(t *testing.T, extra map[string]string) {
	t.Helper()
	base := map[string]string{
		"TRADEGW_BACKEND_URL":      "http://records.local",
		"TRADEGW_CHAIN_RPC_URL":    "http://chain.local:8545",
		"TRADEGW_CONTRACT_ADDRESS": "0x1111111111111111111111111111111111111111",
		"TRADEGW_SESSION_SECRET":   "secret",
	}
	for k, v := range extra {
		base[k] = v
	}
	for k, v := range base {
		t.Setenv(k, v)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	setGatewayEnv(t, nil)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":8083", cfg.ListenAddress)
	require.Equal(t, "http://records.local", cfg.BackendURL)
	require.Equal(t, 5*time.Second, cfg.Poll)
	require.Equal(t, "secret", cfg.SessionSecret)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	setGatewayEnv(t, map[string]string{"TRADEGW_LISTEN": ":9999"})

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ListenAddress = ":7000"
PollInterval = "250ms"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddress, "environment wins over file")
	require.Equal(t, 250*time.Millisecond, cfg.Poll)
}

func TestLoadConfigRejectsMissingSecret(t *testing.T) {
	setGatewayEnv(t, map[string]string{"TRADEGW_SESSION_SECRET": ""})

	_, err := LoadConfig("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session secret")
}

func TestLoadConfigRejectsBadContractAddress(t *testing.T) {
	setGatewayEnv(t, map[string]string{"TRADEGW_CONTRACT_ADDRESS": "not-an-address"})

	_, err := LoadConfig("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "contract address")
}

func TestLoadConfigRejectsBadPollInterval(t *testing.T) {
	setGatewayEnv(t, map[string]string{"TRADEGW_POLL_INTERVAL": "soon"})

	_, err := LoadConfig("")
	require.Error(t, err)
}
