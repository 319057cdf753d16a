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

package metadata

import "context"

// Scope is an atomic region over an Adapter. Writes inside a scope are
// buffered. Scopes nest and share one depth counter: committing the
// outermost scope flushes every buffered write in a single batch (unless
// the adapter is in manual-sync mode), while ending a scope without
// committing discards the writes made since it began.
//
//	scope := adapter.Begin()
//	defer scope.End()
//	... writes ...
//	return scope.Commit(ctx)
type Scope struct {
	a        *Adapter
	mark     int
	hookMark int
	done     bool
}

// Begin opens an atomic scope.
func (a *Adapter) Begin() *Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.depth++
	return &Scope{a: a, mark: len(a.pending), hookMark: len(a.hooks)}
}

// Commit closes the scope. The outermost commit flushes and then runs
// the hooks queued with OnSync; if the flush fails the scope's writes
// and hooks are discarded and the error returned. In manual-sync mode
// the outermost commit only runs the hooks when nothing is buffered.
func (s *Scope) Commit(ctx context.Context) error {
	a := s.a
	a.mu.Lock()

	if s.done {
		a.mu.Unlock()
		return ErrScopeClosed
	}
	s.done = true
	a.depth--

	if a.depth > 0 || (a.manualSync && len(a.pending) > 0) {
		a.mu.Unlock()
		return nil
	}
	hooks, err := a.syncLocked(ctx)
	if err != nil {
		a.truncateLocked(s.mark, s.hookMark)
	}
	a.mu.Unlock()
	runHooks(ctx, hooks)
	return err
}

// End closes an uncommitted scope and discards its writes. It is a no-op
// after Commit, so it can always be deferred.
func (s *Scope) End() {
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	a.depth--
	a.truncateLocked(s.mark, s.hookMark)
}
