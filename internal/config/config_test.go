package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		DisplayName: "home",
		SNIHost:     "relay.example.com",
		ProxyIP:     "relay.example.com",
		Path:        "/tunnel",
		ServerPort:  443,
		SOCKSPort:   1080,
		HTTPPort:    8080,
		StatusPort:  9091,
		PSKHex:      strings.Repeat("ab", 32),
		PoolMinSize: 2,
		PoolMaxSize: 8,
	}
}

func TestValidateAccepts(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateRejectsShortPSK(t *testing.T) {
	cfg := validConfig()
	cfg.PSKHex = "ab"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for short PSK")
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := validConfig()
	cfg.ServerPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidateRejectsPortCollision(t *testing.T) {
	cfg := validConfig()
	cfg.HTTPPort = cfg.SOCKSPort
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for colliding local ports")
	}
}

func TestShareURLRoundTrip(t *testing.T) {
	cfg := validConfig()
	raw := EncodeShareURL(cfg)

	decoded, err := DecodeShareURL(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.SNIHost != cfg.SNIHost ||
		decoded.ServerPort != cfg.ServerPort ||
		decoded.Path != cfg.Path ||
		decoded.PSKHex != cfg.PSKHex ||
		decoded.SOCKSPort != cfg.SOCKSPort ||
		decoded.HTTPPort != cfg.HTTPPort ||
		decoded.DisplayName != cfg.DisplayName {
		t.Fatalf("round trip mismatch: got %+v, want fields matching %+v", decoded, cfg)
	}
}

func TestShareURLDefaultsWhenOptionalParamsAbsent(t *testing.T) {
	raw := "wss://relay.example.com:443/tunnel?psk=" + strings.Repeat("cd", 32)

	decoded, err := DecodeShareURL(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.SOCKSPort != 1080 || decoded.HTTPPort != 8080 {
		t.Fatalf("expected documented defaults, got socks=%d http=%d", decoded.SOCKSPort, decoded.HTTPPort)
	}
}

func TestShareURLMissingPSKFails(t *testing.T) {
	raw := "wss://relay.example.com:443/tunnel"
	if _, err := DecodeShareURL(raw); err == nil {
		t.Fatal("expected error for missing psk parameter")
	}
}
