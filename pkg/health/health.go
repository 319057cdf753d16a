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

// Package health runs liveness, readiness and startup probes against
// the backends an engine depends on: the signing nodes, the metadata
// service and the session service.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
)

// Status is the health of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded means the component works with reduced capacity.
	StatusDegraded Status = "degraded"
)

// probeKey is read from the metadata and session stores. It is never
// written, so a not-found answer proves the store is reachable.
const probeKey = "0000000000000000000000000000000000000000000000000000000000000000"

// CheckResult is the result of one check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckFunc performs one check. It should return quickly.
type CheckFunc func(ctx context.Context) CheckResult

// Checker holds named readiness checks and follows Kubernetes probe
// semantics: liveness never depends on backends, readiness runs every
// check, and startup fails until MarkStarted.
type Checker struct {
	mu        sync.RWMutex
	started   bool
	startTime time.Time
	checks    map[string]CheckFunc
}

func NewChecker() *Checker {
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces a check. A nil check is ignored.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

func (c *Checker) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

func (c *Checker) MarkNotStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
}

// Live reports that the process is running.
func (c *Checker) Live(ctx context.Context) CheckResult {
	return CheckResult{
		Name:    "liveness",
		Status:  StatusHealthy,
		Message: "alive",
	}
}

// Ready runs every registered check, sorted by name, and publishes each
// result to the backend health gauge.
func (c *Checker) Ready(ctx context.Context) []CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks[name] = check
	}
	c.mu.RUnlock()
	sort.Strings(names)

	if len(names) == 0 {
		return []CheckResult{{
			Name:    "default",
			Status:  StatusHealthy,
			Message: "no readiness checks configured",
		}}
	}

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		start := time.Now()
		result := checks[name](ctx)
		result.Latency = time.Since(start)
		if result.Name == "" {
			result.Name = name
		}
		metrics.SetBackendHealth(result.Name, result.Status != StatusUnhealthy)
		results = append(results, result)
	}
	return results
}

// Startup fails until MarkStarted is called.
func (c *Checker) Startup(ctx context.Context) CheckResult {
	c.mu.RLock()
	started := c.started
	startTime := c.startTime
	c.mu.RUnlock()

	if !started {
		return CheckResult{
			Name:    "startup",
			Status:  StatusUnhealthy,
			Message: "initialization not complete",
		}
	}
	return CheckResult{
		Name:    "startup",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("initialized (uptime: %s)", time.Since(startTime).Round(time.Second)),
	}
}

func (c *Checker) Checks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy reports whether every readiness check is healthy.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return AggregateStatus(c.Ready(ctx)) == StatusHealthy
}

func (c *Checker) IsStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

func (c *Checker) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}

// AggregateStatus is unhealthy if any result is, else degraded if any
// result is, else healthy.
func AggregateStatus(results []CheckResult) Status {
	status := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// NodeCluster is the view of the signing nodes a check needs.
type NodeCluster interface {
	Threshold() int
	Available() int
}

// NodesCheck is unhealthy when fewer than the signing threshold of
// nodes are up, and degraded when any node is down.
func NodesCheck(nodes NodeCluster, total int) CheckFunc {
	return func(ctx context.Context) CheckResult {
		up, threshold := nodes.Available(), nodes.Threshold()
		result := CheckResult{
			Name:    "nodes",
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d of %d nodes up, threshold %d", up, total, threshold),
		}
		switch {
		case up < threshold:
			result.Status = StatusUnhealthy
		case up < total:
			result.Status = StatusDegraded
		}
		return result
	}
}

// MetadataCheck reads a key that is never written.
func MetadataCheck(store metadata.Store) CheckFunc {
	return func(ctx context.Context) CheckResult {
		_, err := store.Get(ctx, probeKey)
		if errors.Is(err, metadata.ErrKeyNotFound) {
			err = nil
		}
		return probeResult("metadata", err)
	}
}

// SessionCheck reads a key that is never written.
func SessionCheck(store session.Store) CheckFunc {
	return func(ctx context.Context) CheckResult {
		_, err := store.Get(ctx, probeKey)
		if errors.Is(err, session.ErrSessionNotFound) {
			err = nil
		}
		return probeResult("session", err)
	}
}

func probeResult(name string, err error) CheckResult {
	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: "probe failed",
			Error:   err.Error(),
		}
	}
	return CheckResult{Name: name, Status: StatusHealthy, Message: "reachable"}
}

// Response is the body of every probe endpoint.
type Response struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Routes mounts /live, /ready and /startup. Probes answer 503 when
// unhealthy; a degraded readiness still answers 200.
func (c *Checker) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/live", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []CheckResult{c.Live(r.Context())})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		respond(w, c.Ready(r.Context()))
	})
	r.Get("/startup", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []CheckResult{c.Startup(r.Context())})
	})
	return r
}

func respond(w http.ResponseWriter, results []CheckResult) {
	status := AggregateStatus(results)
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Status: status, Checks: results})
}
