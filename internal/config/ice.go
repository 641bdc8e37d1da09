package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "PEERDIAL_ICE_SERVERS_JSON"

	envStunURLs       = "PEERDIAL_STUN_URLS"
	envTurnURLs       = "PEERDIAL_TURN_URLS"
	envTurnUsername   = "PEERDIAL_TURN_USERNAME"
	envTurnCredential = "PEERDIAL_TURN_CREDENTIAL"
)

// parseICEServersFromValues resolves the ICE server list handed out by the
// directory: PEERDIAL_ICE_SERVERS_JSON when set, else the convenience
// STUN/TURN variables.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseConvenienceICE(stunURLs, turnURLs, turnUsername, turnCredential)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates a JSON ICE server list of the
// form [{"urls": ..., "username": ..., "credential": ...}, ...]. The urls
// field accepts a string or a string array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		entry := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if cred := strings.TrimSpace(server.Credential); cred != "" {
			entry.Credential = cred
		}
		if err := validateICEServer(entry, true); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// parseConvenienceICE builds the server list from comma-separated STUN and
// TURN URL variables. TURN entries without static credentials are legal
// when the TURN REST minter will stamp ephemeral ones.
func parseConvenienceICE(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		entry := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(entry, true); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, entry)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		entry := webrtc.ICEServer{URLs: turn, Username: strings.TrimSpace(turnUsername)}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			entry.Credential = cred
		}
		if (entry.Username == "") != (entry.Credential == nil) {
			return nil, fmt.Errorf("%s/%s: set both or neither", envTurnUsername, envTurnCredential)
		}
		if err := validateICEServer(entry, true); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, entry)
	}

	return servers, nil
}

// hasCredentiallessTURN reports whether any TURN entry lacks a static
// username. Such entries only work when the TURN REST minter stamps
// ephemeral credentials at create/join time.
func hasCredentiallessTURN(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if server.Username != "" {
			continue
		}
		for _, u := range server.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

// validateICEServer checks URL schemes and, unless credentials may arrive
// later from the TURN REST minter, that TURN entries carry credentials.
func validateICEServer(server webrtc.ICEServer, allowCredentialless bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	hasTURN := false
	for _, raw := range server.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(u) {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			hasTURN = true
		}
	}

	if hasTURN && !allowCredentialless {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
