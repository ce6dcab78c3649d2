// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
rpc_list:
  - https://api.mainnet-beta.solana.com
websocket_url: wss://api.mainnet-beta.solana.com
relay_endpoints:
  - https://relay.example.com/api/v1/bundles
wallets_file: wallets.yaml
rules_file: rules.yaml
assets:
  - asset_id: asset-1
    pool_account: Pool1111
    migration_program: Prog1111
    migration_authority: Auth1111
    user_id: user-1
    wallet_group: alpha
    auto_execute: true
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "wss://api.mainnet-beta.solana.com", cfg.WebSocketURL)
	require.Len(t, cfg.Assets, 1)
	assert.Equal(t, "asset-1", cfg.Assets[0].AssetID)
	assert.True(t, cfg.Assets[0].AutoExecute)

	// Unset tunables fall back to defaults.
	assert.Equal(t, DefaultReconnectBaseMs, cfg.ReconnectBaseMs)
	assert.Equal(t, DefaultEmitIntervalMs, cfg.EmitIntervalMs)
	assert.Equal(t, DefaultConfirmTimeoutMs, cfg.ConfirmTimeoutMs)
	assert.Equal(t, DefaultRelaySubmitAttempts, cfg.RelaySubmitAttempts)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "empty rpc list",
			content: "rpc_list: []\n",
		},
		{
			name: "http websocket url",
			content: `
rpc_list: ["https://rpc.example.com"]
websocket_url: https://not-a-socket.example.com
`,
		},
		{
			name: "non-http relay endpoint",
			content: `
rpc_list: ["https://rpc.example.com"]
relay_endpoints: ["ftp://relay.example.com"]
`,
		},
		{
			name: "cap below base",
			content: `
rpc_list: ["https://rpc.example.com"]
reconnect_base_ms: 1000
reconnect_cap_ms: 500
`,
		},
		{
			name: "zero emit interval",
			content: `
rpc_list: ["https://rpc.example.com"]
emit_interval_ms: 0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SOLSWARM_WEBSOCKET_URL", "wss://override.example.com")
	t.Setenv("SOLSWARM_RPC_LIST", "https://rpc-a.example.com, https://rpc-b.example.com")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "wss://override.example.com", cfg.WebSocketURL)
	assert.Equal(t, []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}, cfg.RPCList)
}
