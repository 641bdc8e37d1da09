package main

import (
	"log/slog"

	"github.com/peerdial/peerdial/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: PEERDIAL_ALLOWED_ORIGINS contains '*' (allows websocket upgrades from any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProduction && len(cfg.ICEServers) == 0 {
		logger.Warn("startup security warning: no ICE servers configured while mode=production (calls behind NAT will fail to connect)",
			"warning_code", "no_ice_servers_in_production",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProduction && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: TURN REST credentials disabled while mode=production (any static TURN credentials are shared by all callers)",
			"warning_code", "turn_rest_disabled_in_production",
			"mode", cfg.Mode,
		)
	}

	// Warn when the signaling frame cap is unusually large, since it weakens
	// the oversized message hardening on the websocket.
	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: PEERDIAL_MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_cap_large",
			"max_signaling_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
