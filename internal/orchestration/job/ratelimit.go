package job

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxViolationExponent bounds the backoff growth; beyond this the wait is
// clamped to MaxDelay anyway.
const maxViolationExponent = 16

// checkRateLimit enforces the per-(session, job) minimum poll interval.
// Returns nil for a compliant poll; otherwise the violation is recorded
// and the caller told how long to back off. Callers hold the controller lock.
func (c *Controller) checkRateLimit(rec *pollState, now time.Time) *RateLimit {
	compliant := rec.LastPollAt.IsZero() ||
		(now.Sub(rec.LastPollAt) >= c.cfg.MinPollInterval && !now.Before(rec.NextAllowedAt))

	if compliant {
		rec.Violations = 0
		rec.NextAllowedAt = time.Time{}
		return nil
	}

	if rec.Violations < maxViolationExponent {
		rec.Violations++
	}
	wait := c.cfg.BaseInterval << rec.Violations
	if wait > c.cfg.MaxDelay || wait <= 0 {
		wait = c.cfg.MaxDelay
	}
	rec.NextAllowedAt = now.Add(wait)

	return &RateLimit{WaitTime: wait, NextAllowedAt: rec.NextAllowedAt}
}

// sessionLimiters applies a coarse per-session poll budget across all jobs,
// underneath the per-(session, job) backoff.
type sessionLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newSessionLimiters(rps float64, burst int) *sessionLimiters {
	return &sessionLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether the session is within its poll budget.
func (s *sessionLimiters) allow(sessionID string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[sessionID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

// forget drops a session's limiter once its jobs are gone.
func (s *sessionLimiters) forget(sessionID string) {
	s.mu.Lock()
	delete(s.limiters, sessionID)
	s.mu.Unlock()
}
