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

package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of events a Memory recorder keeps.
const DefaultCapacity = 1024

// Memory keeps the most recent events in a ring. Safe for concurrent
// use.
type Memory struct {
	mu       sync.RWMutex
	events   []*Event
	next     int
	full     bool
	total    int64
	byID     map[string]*Event
	capacity int
}

// NewMemory returns a recorder holding up to capacity events. A
// capacity below one uses DefaultCapacity.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Memory{
		events:   make([]*Event, capacity),
		byID:     make(map[string]*Event, capacity),
		capacity: capacity,
	}
}

// Record stores a copy of event, assigning an ID when it has none.
func (m *Memory) Record(_ context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	stored := *event
	if event.Principal != nil {
		p := *event.Principal
		stored.Principal = &p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.events[m.next]; old != nil {
		delete(m.byID, old.ID)
	}
	m.events[m.next] = &stored
	m.byID[stored.ID] = &stored
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	m.total++
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *e
	return &out, nil
}

// Events returns matching events, newest first.
func (m *Memory) Events(_ context.Context, query *Query) ([]*Event, error) {
	if query == nil {
		query = &Query{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = m.capacity
	}
	skipped := 0
	var out []*Event
	for i := 0; i < n; i++ {
		e := m.events[(m.next-1-i+m.capacity)%m.capacity]
		if !query.matches(e) {
			continue
		}
		if skipped < query.Offset {
			skipped++
			continue
		}
		cp := *e
		out = append(out, &cp)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of events ever recorded, including evicted
// ones.
func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total, nil
}

func (m *Memory) Close() error { return nil }
