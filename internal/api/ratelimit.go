package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleLimiterAge is how long an idle per-client bucket survives before the
// purge loop drops it.
const staleLimiterAge = 10 * time.Minute

// clientLimiter wraps a token bucket with its last use, for cleanup.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces a per-client-IP bucket plus a global bucket. Both
// must admit a request for it to pass.
type rateLimiter struct {
	perClientRate  float64
	perClientBurst int

	global *rate.Limiter

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newRateLimiter(perClientRate float64, perClientBurst int, globalRate float64, globalBurst int) *rateLimiter {
	return &rateLimiter{
		perClientRate:  perClientRate,
		perClientBurst: perClientBurst,
		global:         rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		clients:        make(map[string]*clientLimiter),
	}
}

// allow reports whether a request from addr may proceed. On refusal it
// returns a retry hint.
func (rl *rateLimiter) allow(addr string) (bool, time.Duration) {
	if !rl.global.Allow() {
		return false, retryAfter(rl.global)
	}

	rl.mu.Lock()
	cl, ok := rl.clients[addr]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.perClientRate), rl.perClientBurst)}
		rl.clients[addr] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	if !cl.limiter.Allow() {
		return false, retryAfter(cl.limiter)
	}
	return true, 0
}

// retryAfter estimates when one token will be available again.
func retryAfter(l *rate.Limiter) time.Duration {
	res := l.Reserve()
	d := res.Delay()
	res.Cancel()
	if d < time.Second {
		d = time.Second
	}
	return d
}

// purgeLoop drops buckets for clients not seen recently. Runs until stop is
// closed.
func (rl *rateLimiter) purgeLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleLimiterAge)
			rl.mu.Lock()
			for addr, cl := range rl.clients {
				if cl.lastSeen.Before(cutoff) {
					delete(rl.clients, addr)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientAddr extracts the bare IP from RemoteAddr. Ports churn per
// connection; buckets key on the address alone.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
