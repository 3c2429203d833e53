package rate

import (
	"context"
	"fmt"
	"time"
)

// Limiter is the throttle applied to swap submissions and liquidity
// requests. Allow reports whether the call may proceed and, when denied, how
// long the caller should back off.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// LimitError carries retry-after guidance for a denied call.
type LimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter)
}

// MultiLimiter composes scoped limiters (per-IP, per-identifier-hash,
// per-session). A call passes only when every underlying scope allows it.
type MultiLimiter struct {
	scopes []scopedLimiter
}

type scopedLimiter struct {
	name    string
	limiter Limiter
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{}
}

func (m *MultiLimiter) WithScope(name string, limiter Limiter) *MultiLimiter {
	m.scopes = append(m.scopes, scopedLimiter{name: name, limiter: limiter})
	return m
}

// Allow requires all scopes to pass. Keys map scope name to the key checked
// in that scope; scopes without a key are skipped.
func (m *MultiLimiter) Allow(ctx context.Context, keys map[string]string, now time.Time) error {
	for _, scope := range m.scopes {
		key, ok := keys[scope.name]
		if !ok || key == "" {
			continue
		}
		allowed, retryAfter, err := scope.limiter.Allow(ctx, key, now)
		if err != nil {
			return fmt.Errorf("rate check %s: %w", scope.name, err)
		}
		if !allowed {
			return &LimitError{Scope: scope.name, RetryAfter: retryAfter}
		}
	}
	return nil
}
