package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev || cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("dev defaults: mode=%q format=%q level=%v", cfg.Mode, cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes ||
		cfg.MessagesPerSecond != DefaultMessagesPerSecond ||
		cfg.InvitesPerSecond != DefaultInvitesPerSecond {
		t.Fatalf("hardening defaults: %+v", cfg)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled with no secret")
	}
}

func TestLoadProductionDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{envMode: "production"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("production defaults: format=%q level=%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	env := map[string]string{envListenAddr: "127.0.0.1:9000"}
	cfg, err := load(lookupFrom(env), []string{"-listen-addr", "0.0.0.0:7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad mode", map[string]string{envMode: "staging"}},
		{"bad log format", map[string]string{envLogFormat: "logfmt"}},
		{"bad log level", map[string]string{envLogLevel: "verbose"}},
		{"bad shutdown timeout", map[string]string{envShutdownTimeout: "soon"}},
		{"negative shutdown timeout", map[string]string{envShutdownTimeout: "-5s"}},
		{"bad message bytes", map[string]string{envMaxMessageBytes: "lots"}},
		{"zero message rate", map[string]string{envMessagesPerSecond: "0"}},
		{"bad invite rate", map[string]string{envInvitesPerSecond: "-1"}},
		{"bad turn ttl", map[string]string{envTURNRESTTTLSeconds: "0"}},
		{"turn prefix with colon", map[string]string{envTURNRESTUsernamePrefix: "a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupFrom(tc.env), nil); err == nil {
				t.Fatalf("load accepted %v", tc.env)
			}
		})
	}
}

func TestLoadTURNREST(t *testing.T) {
	env := map[string]string{
		envTURNRESTSharedSecret:   "s3cret",
		envTURNRESTTTLSeconds:     "120",
		envTURNRESTUsernamePrefix: "relay",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST not enabled")
	}
	if cfg.TURNREST.TTL != 2*time.Minute || cfg.TURNREST.UsernamePrefix != "relay" {
		t.Fatalf("TURN REST config %+v", cfg.TURNREST)
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	env := map[string]string{
		envAllowedOrigins: " https://app.example.com , https://other.example.com ,",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
}

func TestLoadCredentiallessTURNNeedsMinter(t *testing.T) {
	env := map[string]string{envTurnURLs: "turn:turn.example.org:3478"}
	_, err := load(lookupFrom(env), nil)
	if err == nil || !strings.Contains(err.Error(), envTURNRESTSharedSecret) {
		t.Fatalf("err=%v, want TURN REST requirement", err)
	}

	env[envTURNRESTSharedSecret] = "s3cret"
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load with minter: %v", err)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers=%v", cfg.ICEServers)
	}
}
