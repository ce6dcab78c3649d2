// internal/config/config.go
package config

import (
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// AssetConfig declares one asset the bot engages at startup.
type AssetConfig struct {
	AssetID            string `mapstructure:"asset_id"`
	PoolAccount        string `mapstructure:"pool_account"`
	MigrationProgram   string `mapstructure:"migration_program"`
	MigrationAuthority string `mapstructure:"migration_authority"`
	UserID             string `mapstructure:"user_id"`
	WalletGroup        string `mapstructure:"wallet_group"`
	AutoExecute        bool   `mapstructure:"auto_execute"`
}

type Config struct {
	Assets              []AssetConfig `mapstructure:"assets"`
	RPCList             []string `mapstructure:"rpc_list"`
	WebSocketURL        string   `mapstructure:"websocket_url"`
	RelayEndpoints      []string `mapstructure:"relay_endpoints"`
	WalletsFile         string   `mapstructure:"wallets_file"`
	RulesFile           string   `mapstructure:"rules_file"`
	ReconnectBaseMs     int      `mapstructure:"reconnect_base_ms"`
	ReconnectCapMs      int      `mapstructure:"reconnect_cap_ms"`
	EmitIntervalMs      int      `mapstructure:"emit_interval_ms"`
	ConfirmTimeoutMs    int      `mapstructure:"confirm_timeout_ms"`
	ConfirmPollMs       int      `mapstructure:"confirm_poll_ms"`
	RelaySubmitAttempts int      `mapstructure:"relay_submit_attempts"`
	FallbackDelayMs     int      `mapstructure:"fallback_delay_ms"`
	DebugLogging        bool     `mapstructure:"debug_logging"`
}

const (
	DefaultReconnectBaseMs     = 500
	DefaultReconnectCapMs      = 10000
	DefaultEmitIntervalMs      = 5000
	DefaultConfirmTimeoutMs    = 120000
	DefaultConfirmPollMs       = 2000
	DefaultRelaySubmitAttempts = 3
	DefaultFallbackDelayMs     = 250
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"reconnect_base_ms":     DefaultReconnectBaseMs,
		"reconnect_cap_ms":      DefaultReconnectCapMs,
		"emit_interval_ms":      DefaultEmitIntervalMs,
		"confirm_timeout_ms":    DefaultConfirmTimeoutMs,
		"confirm_poll_ms":       DefaultConfirmPollMs,
		"relay_submit_attempts": DefaultRelaySubmitAttempts,
		"fallback_delay_ms":     DefaultFallbackDelayMs,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if len(cfg.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	if cfg.WebSocketURL != "" {
		if err := validateURLWithCache(cfg.WebSocketURL, "ws"); err != nil {
			return errors.New("invalid WebSocket URL protocol")
		}
	}
	for _, rpcURL := range cfg.RPCList {
		if err := validateURLWithCache(rpcURL, "http"); err != nil {
			return errors.New("invalid RPC URL protocol")
		}
	}
	for _, relayURL := range cfg.RelayEndpoints {
		if err := validateURLWithCache(relayURL, "http"); err != nil {
			return errors.New("invalid relay URL protocol")
		}
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.ReconnectBaseMs <= 0 {
		return errors.New("invalid reconnect_base_ms")
	}
	if cfg.ReconnectCapMs < cfg.ReconnectBaseMs {
		return errors.New("invalid reconnect_cap_ms")
	}
	if cfg.EmitIntervalMs <= 0 {
		return errors.New("invalid emit_interval_ms")
	}
	if cfg.ConfirmTimeoutMs <= 0 {
		return errors.New("invalid confirm_timeout_ms")
	}
	if cfg.ConfirmPollMs <= 0 {
		return errors.New("invalid confirm_poll_ms")
	}
	if cfg.RelaySubmitAttempts <= 0 {
		return errors.New("invalid relay_submit_attempts")
	}
	if cfg.FallbackDelayMs < 0 {
		return errors.New("invalid fallback_delay_ms")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("SOLSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envWS := v.GetString("WEBSOCKET_URL")
	if envWS != "" {
		cfg.WebSocketURL = envWS
	}

	envRPCList := v.GetString("RPC_LIST")
	if envRPCList != "" {
		rpcs := strings.Split(envRPCList, ",")
		var cleanRPCs []string
		for _, rpc := range rpcs {
			clean := strings.TrimSpace(rpc)
			if clean != "" {
				cleanRPCs = append(cleanRPCs, clean)
			}
		}
		if len(cleanRPCs) > 0 {
			cfg.RPCList = cleanRPCs
		}
	}
	return nil
}
