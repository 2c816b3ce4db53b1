// Package config handles loading and validation of the tunnel proxy
// client's configuration (spec.md §3 "Configuration").
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/thatcooperguy/tunnelproxy/internal/cryptoutil"
)

const (
	// DefaultConfigPath is the default location for the client's
	// configuration file.
	DefaultConfigPath = "/etc/tunnelproxy/config.yaml"

	// DefaultDataDir is the default directory for client state files.
	DefaultDataDir = "/var/lib/tunnelproxy"
)

// Config holds one configuration record (spec.md §3 "Configuration").
type Config struct {
	// DisplayName is a human-readable label for this configuration.
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`

	// SNIHost is the TLS ServerName and HTTP Host header used for the
	// tunnel upgrade.
	SNIHost string `mapstructure:"sni_host" yaml:"sni_host"`

	// ProxyIP is the actual TCP dial target. Equal to SNIHost in direct
	// mode, an alternate address in CDN-front mode.
	ProxyIP string `mapstructure:"proxy_ip" yaml:"proxy_ip"`

	// Path is the WebSocket upgrade request path.
	Path string `mapstructure:"path" yaml:"path"`

	// ServerPort is the remote TCP port the tunnel dials.
	ServerPort int `mapstructure:"server_port" yaml:"server_port"`

	// SOCKSPort is the local loopback port the SOCKS5 head listens on.
	SOCKSPort int `mapstructure:"socks_port" yaml:"socks_port"`

	// HTTPPort is the local loopback port the HTTP CONNECT head
	// listens on.
	HTTPPort int `mapstructure:"http_port" yaml:"http_port"`

	// PSKHex is the pre-shared key, canonically carried as 64 hex
	// characters (32 raw bytes).
	PSKHex string `mapstructure:"psk" yaml:"psk"`

	// PoolMinSize is the tunnel pool's warmup target.
	PoolMinSize int `mapstructure:"pool_min_size" yaml:"pool_min_size"`

	// PoolMaxSize is the tunnel pool's hard cap.
	PoolMaxSize int `mapstructure:"pool_max_size" yaml:"pool_max_size"`

	// StatusPort is the local loopback port the diagnostics HTTP
	// server (/status, /metrics) listens on.
	StatusPort int `mapstructure:"status_port" yaml:"status_port"`

	// DataDir is the directory the client stores state files in.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from configPath, falling back to
// DefaultConfigPath when empty. Environment variables prefixed
// TUNNELPROXY_ override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("path", "/tunnel")
	v.SetDefault("pool_min_size", 2)
	v.SetDefault("pool_max_size", 8)
	v.SetDefault("socks_port", 1080)
	v.SetDefault("http_port", 8080)
	v.SetDefault("status_port", 9091)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("TUNNELPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"display_name":  "TUNNELPROXY_DISPLAY_NAME",
		"sni_host":      "TUNNELPROXY_SNI_HOST",
		"proxy_ip":      "TUNNELPROXY_PROXY_IP",
		"path":          "TUNNELPROXY_PATH",
		"server_port":   "TUNNELPROXY_SERVER_PORT",
		"socks_port":    "TUNNELPROXY_SOCKS_PORT",
		"http_port":     "TUNNELPROXY_HTTP_PORT",
		"status_port":   "TUNNELPROXY_STATUS_PORT",
		"psk":           "TUNNELPROXY_PSK",
		"pool_min_size": "TUNNELPROXY_POOL_MIN_SIZE",
		"pool_max_size": "TUNNELPROXY_POOL_MAX_SIZE",
		"data_dir":      "TUNNELPROXY_DATA_DIR",
		"log_level":     "TUNNELPROXY_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.ProxyIP == "" {
		cfg.ProxyIP = cfg.SNIHost
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks the invariants spec.md §3 requires of a
// configuration record.
func (c *Config) Validate() error {
	if c.SNIHost == "" {
		return fmt.Errorf("sni_host is required")
	}
	if _, err := cryptoutil.DecodePSK(c.PSKHex); err != nil {
		return fmt.Errorf("psk: %w", err)
	}
	if err := validatePort("server_port", c.ServerPort); err != nil {
		return err
	}
	if err := validatePort("socks_port", c.SOCKSPort); err != nil {
		return err
	}
	if err := validatePort("http_port", c.HTTPPort); err != nil {
		return err
	}
	if err := validatePort("status_port", c.StatusPort); err != nil {
		return err
	}
	if c.SOCKSPort == c.HTTPPort || c.SOCKSPort == c.StatusPort || c.HTTPPort == c.StatusPort {
		return fmt.Errorf("socks_port, http_port, and status_port must not collide (got %d, %d, %d)",
			c.SOCKSPort, c.HTTPPort, c.StatusPort)
	}
	if c.PoolMinSize <= 0 {
		return fmt.Errorf("pool_min_size must be positive")
	}
	if c.PoolMaxSize < c.PoolMinSize {
		return fmt.Errorf("pool_max_size must be >= pool_min_size")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in [1,65535], got %d", name, port)
	}
	return nil
}

// PSK decodes the configuration's hex-encoded pre-shared key.
func (c *Config) PSK() ([]byte, error) {
	return cryptoutil.DecodePSK(c.PSKHex)
}
