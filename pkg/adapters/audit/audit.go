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

// Package audit records the key lifecycle of an account: logins,
// factor changes, share refreshes, exports and signatures. Recorders
// receive one Event per engine operation, successful or not.
package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNilEvent      = errors.New("audit: event cannot be nil")
	ErrEventNotFound = errors.New("audit: event not found")
)

// Outcome is the result of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Principal identifies the logged in identity.
type Principal struct {
	Verifier   string `json:"verifier"`
	VerifierID string `json:"verifierId"`
}

// Event is one audited engine operation.
type Event struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Operation     string        `json:"operation"`
	Outcome       Outcome       `json:"outcome"`
	Principal     *Principal    `json:"principal,omitempty"`
	KeyType       string        `json:"keyType"`
	TSSTag        string        `json:"tssTag"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Duration      time.Duration `json:"duration"`

	// ErrorType is the error class of a failed operation
	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Query filters Events. Zero fields match everything.
type Query struct {
	Operations []string
	Outcome    Outcome
	VerifierID string
	Since      time.Time
	Until      time.Time

	// Limit caps the result; results are newest first
	Limit  int
	Offset int
}

// Recorder stores audit events.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	Events(ctx context.Context, query *Query) ([]*Event, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

func (q *Query) matches(e *Event) bool {
	if len(q.Operations) > 0 {
		found := false
		for _, op := range q.Operations {
			if op == e.Operation {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Outcome != "" && q.Outcome != e.Outcome {
		return false
	}
	if q.VerifierID != "" && (e.Principal == nil || e.Principal.VerifierID != q.VerifierID) {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

type nop struct{}

// Nop returns a Recorder that drops every event.
func Nop() Recorder { return nop{} }

func (nop) Record(context.Context, *Event) error { return nil }
func (nop) Get(context.Context, string) (*Event, error) {
	return nil, ErrEventNotFound
}
func (nop) Events(context.Context, *Query) ([]*Event, error) { return nil, nil }
func (nop) Count(context.Context) (int64, error)             { return 0, nil }
func (nop) Close() error                                     { return nil }
