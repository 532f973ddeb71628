package knowledge

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when an agent submits observations too quickly.
var ErrRateLimited = errors.New("rate limit exceeded")

// maxTrackedAgents bounds the limiter map; it is reset when exceeded.
const maxTrackedAgents = 10000

// agentLimiter keeps one token bucket per agent hash.
type agentLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAgentLimiter(perSecond float64, burst int) *agentLimiter {
	if perSecond <= 0 {
		return &agentLimiter{limit: rate.Inf}
	}
	if burst < 1 {
		burst = max(1, int(perSecond))
	}
	return &agentLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether agentHash may submit now.
func (l *agentLimiter) Allow(agentHash string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[agentHash]
	if !ok {
		if len(l.limiters) >= maxTrackedAgents {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[agentHash] = lim
	}
	return lim.Allow()
}
