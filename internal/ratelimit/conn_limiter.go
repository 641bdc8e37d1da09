package ratelimit

// ConnConfig bounds what a single signaling connection may send. A rate of
// zero disables the corresponding limit.
type ConnConfig struct {
	// MessagesPerSecond caps all inbound events on the connection. The burst
	// equals the rate.
	MessagesPerSecond int

	// InvitesPerSecond caps send-call-invitation events specifically, on top
	// of the overall message budget. Invitations fan out to other users, so
	// they get a much tighter budget.
	InvitesPerSecond int
}

// ConnLimiter enforces per-connection message budgets on the signaling
// channel.
type ConnLimiter struct {
	messages *TokenBucket
	invites  *TokenBucket
}

func NewConnLimiter(clock Clock, cfg ConnConfig) *ConnLimiter {
	l := &ConnLimiter{}
	if cfg.MessagesPerSecond > 0 {
		l.messages = NewTokenBucket(clock, int64(cfg.MessagesPerSecond), int64(cfg.MessagesPerSecond))
	}
	if cfg.InvitesPerSecond > 0 {
		l.invites = NewTokenBucket(clock, int64(cfg.InvitesPerSecond), int64(cfg.InvitesPerSecond))
	}
	return l
}

// AllowMessage reports whether another inbound event fits the connection's
// overall budget.
func (l *ConnLimiter) AllowMessage() bool {
	if l.messages == nil {
		return true
	}
	return l.messages.Allow(1)
}

// AllowInvite reports whether another invitation fits the connection's
// invitation budget. Callers charge AllowMessage separately.
func (l *ConnLimiter) AllowInvite() bool {
	if l.invites == nil {
		return true
	}
	return l.invites.Allow(1)
}
