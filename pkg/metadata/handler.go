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

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewHandler serves store over the metadata HTTP API.
func NewHandler(store Store) http.Handler {
	h := &handler{store: store}
	r := chi.NewRouter()
	r.Post(RouteBatch, h.setBatch)
	r.Get(RouteKey, h.get)
	r.Put(RouteKey, h.set)
	r.Post(RouteReset, h.reset)
	return r
}

type handler struct {
	store Store
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	blob, err := h.store.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob)
}

func (h *handler) set(w http.ResponseWriter, r *http.Request) {
	var blob Blob
	if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.store.Set(r.Context(), chi.URLParam(r, "key"), &blob); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.store.SetBatch(r.Context(), req.Writes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	tombstone := &Blob{Message: req.Message, Signature: req.Signature}
	if err := h.store.Reset(r.Context(), chi.URLParam(r, "key"), tombstone); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature):
		status = http.StatusForbidden
	case errors.Is(err, ErrStoreClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
