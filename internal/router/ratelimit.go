package router

import (
	"sync"

	"golang.org/x/time/rate"
)

// commandRateLimit/commandRateBurst bound how fast one device accepts
// inbound commands before the Router starts dropping them. Generous
// enough that normal UI/automation traffic never notices; tight
// enough to contain a misbehaving sensor or script.
const (
	commandRateLimit = 10 // events/sec
	commandRateBurst = 20
)

// hostLimiters lazily builds one rate.Limiter per device host, the
// same per-key token-bucket shape as the teacher's
// pkg/ratelimiter.DefaultControllerRateLimiter's
// workqueue.BucketRateLimiter, scoped per-host instead of process-wide
// so one noisy device can never starve another's command budget.
type hostLimiters struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiters(eventsPerSecond float64, burst int) *hostLimiters {
	return &hostLimiters{limit: rate.Limit(eventsPerSecond), burst: burst, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether host may accept another command right now.
func (h *hostLimiters) Allow(host string) bool {
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l.Allow()
}
