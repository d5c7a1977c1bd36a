package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the JSON configuration of a Client.
type Config struct {
	APIURL   string `json:"api_url"`
	WSURL    string `json:"ws_url"`
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
	// DBPath defaults to <data dir>/<client id>.db.
	DBPath      string `json:"db_path"`
	CipherSuite uint16 `json:"cipher_suite"`

	LogLevel  int    `json:"log_level"`  // zerolog level, 0 (debug) to 5 (panic)
	LogFormat string `json:"log_format"` // "json" or "console"

	CatchUpPageSize         int `json:"catch_up_page_size"`
	DedupWindow             int `json:"dedup_window"`
	ShutdownGraceSeconds    int `json:"shutdown_grace_seconds"`
	KeepAliveSeconds        int `json:"keep_alive_seconds"`
	KeepAliveTimeoutSeconds int `json:"keep_alive_timeout_seconds"`
	ReconnectMinSeconds     int `json:"reconnect_min_seconds"`
	ReconnectMaxSeconds     int `json:"reconnect_max_seconds"`

	KeyPackageLowWater int `json:"key_package_low_water"`
	KeyPackageBatch    int `json:"key_package_batch"`

	// ClaimRetryAttempts retries key-package claims of a member that failed.
	// Zero claims once.
	ClaimRetryAttempts    int `json:"claim_retry_attempts"`
	ClaimRetryDelayMillis int `json:"claim_retry_delay_millis"`
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Event stream
	if cfg.CatchUpPageSize == 0 {
		cfg.CatchUpPageSize = 500
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 4096
	}
	if cfg.ShutdownGraceSeconds == 0 {
		cfg.ShutdownGraceSeconds = 10
	}
	if cfg.KeepAliveSeconds == 0 {
		cfg.KeepAliveSeconds = 30
	}
	if cfg.KeepAliveTimeoutSeconds == 0 {
		cfg.KeepAliveTimeoutSeconds = 20
	}
	if cfg.ReconnectMinSeconds == 0 {
		cfg.ReconnectMinSeconds = 1
	}
	if cfg.ReconnectMaxSeconds == 0 {
		cfg.ReconnectMaxSeconds = 60
	}
	if cfg.ReconnectMaxSeconds < cfg.ReconnectMinSeconds {
		return fmt.Errorf("reconnect_max_seconds must not be below reconnect_min_seconds")
	}

	// Key packages
	if cfg.KeyPackageLowWater == 0 {
		cfg.KeyPackageLowWater = 50
	}
	if cfg.KeyPackageBatch == 0 {
		cfg.KeyPackageBatch = 100
	}
	if cfg.ClaimRetryAttempts < 0 || cfg.ClaimRetryDelayMillis < 0 {
		return fmt.Errorf("claim retry settings must not be negative")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
