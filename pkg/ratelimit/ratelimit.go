// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit limits requests to the development backend per
// client with token buckets.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	// Enabled turns limiting on. A disabled limiter allows everything.
	Enabled bool

	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int

	// Burst is the bucket size. Defaults to RequestsPerMinute.
	Burst int

	// CleanupInterval is how often idle clients are dropped.
	// Defaults to 10 minutes.
	CleanupInterval time.Duration

	// MaxIdle is how long a client may be idle before it is dropped.
	// Defaults to 30 minutes.
	MaxIdle time.Duration
}

// Stats is a snapshot of a Limiter.
type Stats struct {
	Enabled       bool    `json:"enabled"`
	ActiveClients int     `json:"activeClients"`
	RatePerMinute float64 `json:"ratePerMinute"`
	Burst         int     `json:"burst"`
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
	enabled bool
	maxIdle time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a limiter. When enabled it starts a goroutine that drops
// idle clients until Stop is called.
func New(cfg *Config) *Limiter {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Burst == 0 {
		c.Burst = c.RequestsPerMinute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 30 * time.Minute
	}

	l := &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(float64(c.RequestsPerMinute) / 60.0),
		burst:   c.Burst,
		enabled: c.Enabled,
		maxIdle: c.MaxIdle,
		stop:    make(chan struct{}),
	}
	if c.Enabled {
		go l.cleanupWorker(c.CleanupInterval)
	}
	return l
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Allow reports whether a request from key is within its limit.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.bucket(key).Allow()
}

// Wait blocks until key may make a request or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.enabled {
		return nil
	}
	return l.bucket(key).Wait(ctx)
}

func (l *Limiter) cleanupWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > l.maxIdle {
			delete(l.clients, key)
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:       l.enabled,
		ActiveClients: len(l.clients),
		RatePerMinute: float64(l.rate) * 60,
		Burst:         l.burst,
	}
}

// Enabled reports whether limiting is on.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// KeyFunc picks the client key of a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the host part of RemoteAddr. Run it behind
// a real-IP middleware when the backend sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429.
func Middleware(l *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	retryAfter := "60"
	if l.rate > 0 {
		retryAfter = strconv.Itoa(int(time.Duration(float64(time.Second)/float64(l.rate)).Seconds()) + 1)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(key(r)) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
