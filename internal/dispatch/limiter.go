package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a concurrent map of (backend,keyName) -> token bucket,
// registered lazily on first use. Algorithm choice (token bucket over
// fixed window) is a decision recorded in DESIGN.md: spec leaves the
// rate-limiter algorithm unspecified, and golang.org/x/time/rate is
// already a teacher dependency otherwise unused in teacher code.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	ratePerS float64
	burst    int
}

// NewLimiter builds a Limiter; ratePerS/burst seed every bucket created
// from this point on.
func NewLimiter(ratePerS float64, burst int) *Limiter {
	return &Limiter{buckets: map[string]*rate.Limiter{}, ratePerS: ratePerS, burst: burst}
}

func key(backendName, keyName string) string { return backendName + "\x00" + keyName }

func (l *Limiter) bucket(backendName, keyName string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(backendName, keyName)
	b, ok := l.buckets[k]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.ratePerS), l.burst)
		l.buckets[k] = b
	}
	return b
}

// Allow reports whether a call against (backendName,keyName) may proceed
// right now, consuming a token if so.
func (l *Limiter) Allow(backendName, keyName string) bool {
	return l.bucket(backendName, keyName).Allow()
}
