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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// Counter reports the size of something the dev backend holds.
type Counter interface {
	Len() int
}

// Collector samples process and store gauges on an interval.
type Collector struct {
	interval time.Duration
	started  time.Time
	stores   map[string]Counter
}

// NewCollector returns a collector sampling every interval. stores maps
// a backend label to the store whose size is reported.
func NewCollector(interval time.Duration, stores map[string]Counter) *Collector {
	return &Collector{
		interval: interval,
		started:  time.Now(),
		stores:   stores,
	}
}

// Run samples until ctx ends.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Sample()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample records one set of readings.
func (c *Collector) Sample() {
	if !IsEnabled() {
		return
	}
	Goroutines.Set(float64(runtime.NumGoroutine()))
	ServerUptime.Set(time.Since(c.started).Seconds())
	for name, s := range c.stores {
		if s != nil {
			SetStoreRecords(name, s.Len())
		}
	}
}
