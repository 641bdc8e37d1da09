// Package turncred issues coturn-compatible TURN REST credentials and
// stamps them into per-call ICE server lists.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<call_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC.
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

// Minter mints ephemeral credentials scoped to a call. Credentials expire on
// the TURN server after TTL; the signaling server hands out fresh ones on
// every create/join.
type Minter struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
}

func New(cfg Config) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func (m *Minter) Mint(callID string) (Credentials, error) {
	if callID == "" {
		return Credentials{}, errors.New("callID is required")
	}
	if strings.ContainsRune(callID, ':') {
		return Credentials{}, errors.New("callID must not contain ':'")
	}
	expiryUnix := m.now().UTC().Add(m.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, m.usernamePrefix, callID)
	return Credentials{
		Username:   username,
		Credential: signUsername(m.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// Provision returns a copy of servers with minted credentials applied to
// every TURN/TURNS entry that carries none of its own. STUN entries and
// statically-credentialed entries pass through untouched. The input slice is
// never mutated.
func (m *Minter) Provision(servers []webrtc.ICEServer, callID string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for i := range out {
		if out[i].Username != "" || !hasTURNURL(out[i].URLs) {
			continue
		}
		if creds == nil {
			c, err := m.Mint(callID)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
	}
	return out, nil
}

func hasTURNURL(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
