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

// Package identity turns a verified identity provider login into the
// postbox key and node signatures the engine bootstraps from. Login
// responses are a closed set of variants, each normalised into a Result.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"golang.org/x/oauth2"
)

var (
	// ErrInsufficientShares indicates too few nodes answered the login
	ErrInsufficientShares = errors.New("identity: insufficient shares")

	// ErrInvalidToken indicates the id token failed verification
	ErrInvalidToken = errors.New("identity: invalid id token")

	// ErrVerifierMismatch indicates the token subject is not the verifier id
	ErrVerifierMismatch = errors.New("identity: verifier id does not match token")

	// ErrInvalidResponse indicates a malformed login response
	ErrInvalidResponse = errors.New("identity: invalid login response")

	// ErrInvalidConfig indicates a provider misconfiguration
	ErrInvalidConfig = errors.New("identity: invalid configuration")
)

// Login types reported in UserInfo.TypeOfLogin.
const (
	LoginJWT       = "jwt"
	LoginAggregate = "aggregate"
	LoginOAuth     = "oauth"
)

// UserInfo describes the authenticated user.
type UserInfo struct {
	Verifier          string `json:"verifier"`
	VerifierID        string `json:"verifierId"`
	AggregateVerifier string `json:"aggregateVerifier,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	TypeOfLogin       string `json:"typeOfLogin"`
}

// Result is the canonical login outcome.
type Result struct {
	PostboxKey  *big.Int
	UserInfo    UserInfo
	Signatures  []string
	NodeIndexes []int
}

// SubVerifier is one leg of an aggregate login.
type SubVerifier struct {
	Verifier string
	IDToken  string
}

// LoginRequest asks the provider to verify an id token.
type LoginRequest struct {
	Verifier     string
	VerifierID   string
	IDToken      string
	SubVerifiers []SubVerifier
}

// Response is a login response variant: *JWTResponse,
// *AggregateResponse or *OAuthResponse.
type Response interface {
	// Normalize validates the response and converts it into a Result.
	Normalize() (*Result, error)

	isResponse()
}

// Provider verifies identities.
type Provider interface {
	Login(ctx context.Context, req *LoginRequest) (Response, error)
}

// JWTResponse is the response of a single verifier login.
type JWTResponse struct {
	FinalKey    string   `json:"finalKey"`
	Signatures  []string `json:"signatures"`
	NodeIndexes []int    `json:"nodeIndexes"`
	UserInfo    UserInfo `json:"userInfo"`
}

// AggregateResponse is the response of an aggregate verifier login.
type AggregateResponse struct {
	AggregateVerifier string   `json:"aggregateVerifier"`
	VerifierID        string   `json:"verifierId"`
	SubVerifiers      []string `json:"subVerifiers"`
	FinalKey          string   `json:"finalKey"`
	Signatures        []string `json:"signatures"`
	NodeIndexes       []int    `json:"nodeIndexes"`
	Email             string   `json:"email,omitempty"`
	Name              string   `json:"name,omitempty"`
}

// OAuthResponse is a JWT login reached through an OAuth code exchange.
type OAuthResponse struct {
	Token *oauth2.Token
	Login *JWTResponse
}

func (*JWTResponse) isResponse()       {}
func (*AggregateResponse) isResponse() {}
func (*OAuthResponse) isResponse()     {}

func normalize(finalKey string, signatures []string, nodeIndexes []int, info UserInfo) (*Result, error) {
	key, err := curve.ParseHexScalar(curve.Secp256k1(), finalKey)
	if err != nil {
		return nil, fmt.Errorf("%w: final key: %v", ErrInvalidResponse, err)
	}
	if len(signatures) == 0 {
		return nil, fmt.Errorf("%w: no node signatures", ErrInvalidResponse)
	}
	if info.Verifier == "" || info.VerifierID == "" {
		return nil, fmt.Errorf("%w: missing verifier", ErrInvalidResponse)
	}
	return &Result{
		PostboxKey:  key,
		UserInfo:    info,
		Signatures:  append([]string(nil), signatures...),
		NodeIndexes: append([]int(nil), nodeIndexes...),
	}, nil
}

func (r *JWTResponse) Normalize() (*Result, error) {
	info := r.UserInfo
	if info.TypeOfLogin == "" {
		info.TypeOfLogin = LoginJWT
	}
	return normalize(r.FinalKey, r.Signatures, r.NodeIndexes, info)
}

func (r *AggregateResponse) Normalize() (*Result, error) {
	return normalize(r.FinalKey, r.Signatures, r.NodeIndexes, UserInfo{
		Verifier:          r.AggregateVerifier,
		VerifierID:        r.VerifierID,
		AggregateVerifier: r.AggregateVerifier,
		Email:             r.Email,
		Name:              r.Name,
		TypeOfLogin:       LoginAggregate,
	})
}

func (r *OAuthResponse) Normalize() (*Result, error) {
	if r.Login == nil {
		return nil, fmt.Errorf("%w: missing login", ErrInvalidResponse)
	}
	res, err := r.Login.Normalize()
	if err != nil {
		return nil, err
	}
	res.UserInfo.TypeOfLogin = LoginOAuth
	return res, nil
}
