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
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jeremyhahn/go-mpckit/pkg/client"
)

// Routes served by the metadata backend.
const (
	RouteKey   = "/v1/metadata/{key}"
	RouteBatch = "/v1/metadata/batch"
	RouteReset = "/v1/metadata/{key}/reset"
)

// BatchRequest is the body of a batch write.
type BatchRequest struct {
	Writes []Write `json:"writes"`
}

// ResetRequest is the body of a reset.
type ResetRequest struct {
	Message   string `json:"message"`
	Signature []byte `json:"signature"`
}

// HTTPStore is a Store backed by the metadata HTTP API.
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

func keyPath(key string) string {
	return "/v1/metadata/" + url.PathEscape(key)
}

func mapStatus(err error) error {
	switch client.StatusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return err
}

func (s *HTTPStore) Get(ctx context.Context, key string) (*Blob, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	var blob Blob
	if err := s.client.Do(ctx, http.MethodGet, keyPath(key), nil, &blob); err != nil {
		return nil, mapStatus(err)
	}
	return &blob, nil
}

func (s *HTTPStore) Set(ctx context.Context, key string, blob *Blob) error {
	if key == "" {
		return ErrInvalidKey
	}
	return mapStatus(s.client.Do(ctx, http.MethodPut, keyPath(key), blob, nil))
}

func (s *HTTPStore) SetBatch(ctx context.Context, writes []Write) error {
	return mapStatus(s.client.Do(ctx, http.MethodPost, RouteBatch, &BatchRequest{Writes: writes}, nil))
}

func (s *HTTPStore) Reset(ctx context.Context, key string, tombstone *Blob) error {
	if key == "" {
		return ErrInvalidKey
	}
	if tombstone == nil {
		return fmt.Errorf("%w: missing tombstone", ErrInvalidSignature)
	}
	req := &ResetRequest{Message: tombstone.Message, Signature: tombstone.Signature}
	return mapStatus(s.client.Do(ctx, http.MethodPost, keyPath(key)+"/reset", req, nil))
}

// Close releases idle connections.
func (s *HTTPStore) Close() error {
	return s.client.Close()
}
