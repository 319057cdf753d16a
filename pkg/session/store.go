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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-mpckit/pkg/client"
)

var (
	// ErrSessionNotFound indicates no live session under the id
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionExpired indicates the session outlived its TTL
	ErrSessionExpired = errors.New("session: expired")

	// ErrStaleSignatures indicates every identity signature has expired
	ErrStaleSignatures = errors.New("session: identity signatures expired")

	// ErrInvalidSession indicates an undecryptable or malformed session
	ErrInvalidSession = errors.New("session: invalid session")
)

// Store is the remote session service. Keys are opaque hashes; values
// are ciphertexts.
type Store interface {
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type entry struct {
	data    []byte
	expires time.Time
}

// MemoryStore is an in-process Store with TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

// WithClock replaces the store clock.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if key == "" || ttl <= 0 {
		return fmt.Errorf("%w: key and positive ttl required", ErrInvalidSession)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{
		data:    append([]byte(nil), data...),
		expires: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, ErrSessionExpired
	}
	return append([]byte(nil), e.data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RouteSession is the session resource route.
const RouteSession = "/v1/sessions/{id}"

// PutRequest is the body of a session write.
type PutRequest struct {
	Data       []byte `json:"data"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// GetResponse is the body of a session read.
type GetResponse struct {
	Data []byte `json:"data"`
}

// HTTPStore is a Store backed by the session HTTP API.
type HTTPStore struct {
	client *client.Client
}

// NewHTTPStore returns a store talking to the server at cfg.Address.
func NewHTTPStore(cfg *client.Config) (*HTTPStore, error) {
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPStore{client: c}, nil
}

func sessionPath(key string) string {
	return "/v1/sessions/" + url.PathEscape(key)
}

func mapStatus(err error) error {
	switch client.StatusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	case http.StatusGone:
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return err
}

func (s *HTTPStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	req := &PutRequest{Data: data, TTLSeconds: int64(ttl / time.Second)}
	return mapStatus(s.client.Do(ctx, http.MethodPut, sessionPath(key), req, nil))
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	var resp GetResponse
	if err := s.client.Do(ctx, http.MethodGet, sessionPath(key), nil, &resp); err != nil {
		return nil, mapStatus(err)
	}
	return resp.Data, nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	return mapStatus(s.client.Do(ctx, http.MethodDelete, sessionPath(key), nil, nil))
}

// Close releases idle connections.
func (s *HTTPStore) Close() error {
	return s.client.Close()
}

// NewHandler serves store over the session HTTP API.
func NewHandler(store Store) http.Handler {
	r := chi.NewRouter()
	r.Put(RouteSession, func(w http.ResponseWriter, r *http.Request) {
		var req PutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := store.Put(r.Context(), chi.URLParam(r, "id"), req.Data, ttl); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get(RouteSession, func(w http.ResponseWriter, r *http.Request) {
		data, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &GetResponse{Data: data})
	})
	r.Delete(RouteSession, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, ErrInvalidSession):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
