package config

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/thatcooperguy/tunnelproxy/internal/cryptoutil"
)

// EncodeShareURL renders cfg as the shareable configuration URL
// (spec.md §6 "Shareable configuration URL").
func EncodeShareURL(cfg *Config) string {
	u := url.URL{
		Scheme: "wss",
		Host:   fmt.Sprintf("%s:%d", cfg.SNIHost, cfg.ServerPort),
		Path:   cfg.Path,
	}

	q := url.Values{}
	q.Set("psk", cfg.PSKHex)
	q.Set("socks", strconv.Itoa(cfg.SOCKSPort))
	q.Set("http", strconv.Itoa(cfg.HTTPPort))
	if cfg.DisplayName != "" {
		q.Set("name", cfg.DisplayName)
	}
	if cfg.ProxyIP != "" && cfg.ProxyIP != cfg.SNIHost {
		q.Set("proxy_ip", cfg.ProxyIP)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// DecodeShareURL parses a shareable configuration URL (spec.md §6).
// psk is required and must be exactly 64 hex characters; socks/http
// default to the documented defaults when absent.
func DecodeShareURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parsing share URL: %w", err)
	}
	if u.Scheme != "wss" {
		return nil, fmt.Errorf("config: share URL scheme must be wss, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("config: share URL is missing a host")
	}
	port := 443
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid port %q in share URL", portStr)
		}
	}

	q := u.Query()
	psk := q.Get("psk")
	if psk == "" {
		return nil, fmt.Errorf("config: share URL is missing required psk parameter")
	}
	if _, err := cryptoutil.DecodePSK(psk); err != nil {
		return nil, fmt.Errorf("config: psk in share URL: %w", err)
	}

	cfg := &Config{
		DisplayName: q.Get("name"),
		SNIHost:     host,
		ProxyIP:     q.Get("proxy_ip"),
		Path:        u.Path,
		ServerPort:  port,
		PSKHex:      psk,
		SOCKSPort:   1080,
		HTTPPort:    8080,
		StatusPort:  9091,
		PoolMinSize: 2,
		PoolMaxSize: 8,
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ProxyIP == "" {
		cfg.ProxyIP = cfg.SNIHost
	}

	if v := q.Get("socks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid socks parameter %q", v)
		}
		cfg.SOCKSPort = n
	}
	if v := q.Get("http"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid http parameter %q", v)
		}
		cfg.HTTPPort = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: share URL produced an invalid config: %w", err)
	}

	return cfg, nil
}
