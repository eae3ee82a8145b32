package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimitReason describes why a connection attempt was rejected locally.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// globalLimiter caps total concurrent connections per instance using
// lock-free counting.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// ipLimiter caps concurrent connections per client IP.
type ipLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.maxPer {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count := l.counts[ip]; count > 0 {
		l.counts[ip] = count - 1
		if l.counts[ip] == 0 {
			delete(l.counts, ip)
		}
	}
}

// dialRateLimiter caps the rate of new connection attempts per IP with a
// token bucket per source. This is a cheap local gate in front of the shared
// sliding-window limiter.
type dialRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*dialBucket
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type dialBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *dialRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-10 * time.Minute)
		for ip, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, ip)
			}
		}
		l.cleanupAt = now.Add(5 * time.Minute)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &dialBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// ConnectionLimits combines the per-instance, per-IP, and dial-rate gates
// applied before authentication.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	dial   *dialRateLimiter
}

// NewConnectionLimits creates the combined local gate.
func NewConnectionLimits(globalMax int64, perIPMax int, dialsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: globalMax},
		perIP:  &ipLimiter{counts: make(map[string]int), maxPer: perIPMax},
		dial: &dialRateLimiter{
			buckets:   make(map[string]*dialBucket),
			rate:      rate.Limit(dialsPerSecond),
			burst:     burst,
			cleanupAt: time.Now().Add(5 * time.Minute),
		},
	}
}

// Acquire claims a slot in all three gates for ip. On rejection the already
// claimed gates are rolled back and the reason is returned.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.dial.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release returns the slots claimed by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the number of held connection slots.
func (l *ConnectionLimits) Current() int64 {
	return l.global.current.Load()
}
