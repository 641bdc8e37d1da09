// Package config loads the reference server's runtime configuration from
// environment variables, with a handful of flag overrides. Values are
// validated at load time so misconfiguration fails startup instead of
// surfacing mid-call.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr      = "PEERDIAL_LISTEN_ADDR"
	envMode            = "PEERDIAL_MODE"
	envLogFormat       = "PEERDIAL_LOG_FORMAT"
	envLogLevel        = "PEERDIAL_LOG_LEVEL"
	envShutdownTimeout = "PEERDIAL_SHUTDOWN_TIMEOUT"
	envAllowedOrigins  = "PEERDIAL_ALLOWED_ORIGINS"

	// Signaling websocket hardening.
	envMaxMessageBytes   = "PEERDIAL_MAX_SIGNALING_MESSAGE_BYTES"
	envMessagesPerSecond = "PEERDIAL_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envInvitesPerSecond  = "PEERDIAL_MAX_INVITES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envTURNRESTSharedSecret   = "PEERDIAL_TURN_REST_SHARED_SECRET"
	envTURNRESTTTLSeconds     = "PEERDIAL_TURN_REST_TTL_SECONDS"
	envTURNRESTUsernamePrefix = "PEERDIAL_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr        = "127.0.0.1:8086"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultMaxMessageBytes   = 512 * 1024
	DefaultMessagesPerSecond = 50
	DefaultInvitesPerSecond  = 2

	DefaultTURNRESTTTL            = 10 * time.Minute
	DefaultTURNRESTUsernamePrefix = "peerdial"

	DefaultMode Mode = ModeDev
)

// Mode selects environment-appropriate defaults for logging.
type Mode string

const (
	ModeDev        Mode = "dev"
	ModeProduction Mode = "production"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TURNRESTConfig holds the coturn TURN REST credential settings. The
// feature is enabled by setting the shared secret.
type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

// Config is the resolved server configuration.
type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	MaxMessageBytes   int64
	MessagesPerSecond int
	InvitesPerSecond  int

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig
}

// Load resolves the configuration from the process environment and args.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load is the testable core of Load; lookup replaces os.LookupEnv.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("peerdial-server", flag.ContinueOnError)
	listenFlag := fs.String("listen-addr", "", "listen address (overrides "+envListenAddr+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:        envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		ShutdownTimeout:   DefaultShutdownTimeout,
		MaxMessageBytes:   DefaultMaxMessageBytes,
		MessagesPerSecond: DefaultMessagesPerSecond,
		InvitesPerSecond:  DefaultInvitesPerSecond,
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}

	mode, err := parseMode(envOrDefault(lookup, envMode, string(DefaultMode)))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	format, err := parseLogFormat(envOrDefault(lookup, envLogFormat, defaultLogFormat(mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	level, err := parseLogLevel(envOrDefault(lookup, envLogLevel, defaultLogLevel(mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if raw, ok := lookup(envShutdownTimeout); ok {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envShutdownTimeout, raw)
		}
		cfg.ShutdownTimeout = d
	}

	cfg.AllowedOrigins = splitCommaSeparated(envOrDefault(lookup, envAllowedOrigins, ""))

	if cfg.MaxMessageBytes, err = envInt64OrDefault(lookup, envMaxMessageBytes, DefaultMaxMessageBytes); err != nil {
		return Config{}, err
	}
	if cfg.MessagesPerSecond, err = envIntOrDefault(lookup, envMessagesPerSecond, DefaultMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.InvitesPerSecond, err = envIntOrDefault(lookup, envInvitesPerSecond, DefaultInvitesPerSecond); err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	turnREST, err := loadTURNREST(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.TURNREST = turnREST

	if hasCredentiallessTURN(cfg.ICEServers) && !cfg.TURNREST.Enabled() {
		return Config{}, fmt.Errorf(
			"TURN urls without credentials require %s", envTURNRESTSharedSecret)
	}

	return cfg, nil
}

func loadTURNREST(lookup func(string) (string, bool)) (TURNRESTConfig, error) {
	out := TURNRESTConfig{
		SharedSecret:   strings.TrimSpace(envOrDefault(lookup, envTURNRESTSharedSecret, "")),
		TTL:            DefaultTURNRESTTTL,
		UsernamePrefix: DefaultTURNRESTUsernamePrefix,
	}
	if raw, ok := lookup(envTURNRESTTTLSeconds); ok {
		seconds, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || seconds <= 0 {
			return TURNRESTConfig{}, fmt.Errorf("%s: invalid value %q", envTURNRESTTTLSeconds, raw)
		}
		out.TTL = time.Duration(seconds) * time.Second
	}
	if raw, ok := lookup(envTURNRESTUsernamePrefix); ok {
		prefix := strings.TrimSpace(raw)
		if prefix == "" || strings.ContainsRune(prefix, ':') {
			return TURNRESTConfig{}, fmt.Errorf("%s: invalid prefix %q", envTURNRESTUsernamePrefix, raw)
		}
		out.UsernamePrefix = prefix
	}
	return out, nil
}

// NewLogger builds the process logger per the configured format and level.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, raw)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, raw)
	}
	return n, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProduction:
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("%s: must be %q or %q, got %q", envMode, ModeDev, ModeProduction, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("%s: must be %q or %q, got %q", envLogFormat, LogFormatText, LogFormatJSON, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s: must be debug, info, warn or error, got %q", envLogLevel, raw)
	}
}

func defaultLogFormat(mode Mode) string {
	if mode == ModeProduction {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevel(mode Mode) string {
	if mode == ModeProduction {
		return "info"
	}
	return "debug"
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
