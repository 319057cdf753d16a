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

package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrOAuthDenied indicates the authorization server returned an error
var ErrOAuthDenied = errors.New("identity: authorization denied")

// OAuthConfig configures an OAuthFlow.
type OAuthConfig struct {
	// Verifier is the verifier name logins are made under
	Verifier string

	// OAuth2 is the authorization server configuration
	OAuth2 *oauth2.Config

	// Provider verifies the id token returned by the exchange
	Provider Provider

	// Random is the entropy source for the state parameter
	Random io.Reader
}

// OAuthFlow runs the authorization code flow with PKCE and logs in with
// the returned id token.
type OAuthFlow struct {
	verifier string
	oauth    *oauth2.Config
	provider Provider
	random   io.Reader
}

// AuthRequest is a started authorization. State and CodeVerifier must be
// kept until the redirect returns.
type AuthRequest struct {
	URL          string
	State        string
	CodeVerifier string
}

// NewOAuthFlow returns a flow for cfg.
func NewOAuthFlow(cfg *OAuthConfig) (*OAuthFlow, error) {
	if cfg == nil || cfg.OAuth2 == nil || cfg.Provider == nil || cfg.Verifier == "" {
		return nil, fmt.Errorf("%w: oauth2 config, provider and verifier are required", ErrInvalidConfig)
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	return &OAuthFlow{
		verifier: cfg.Verifier,
		oauth:    cfg.OAuth2,
		provider: cfg.Provider,
		random:   random,
	}, nil
}

// Verifier returns the verifier name.
func (f *OAuthFlow) Verifier() string {
	return f.verifier
}

// Start builds the authorization URL.
func (f *OAuthFlow) Start() (*AuthRequest, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(f.random, buf); err != nil {
		return nil, err
	}
	state := hex.EncodeToString(buf)
	verifier := oauth2.GenerateVerifier()
	return &AuthRequest{
		URL:          f.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// Complete exchanges code for tokens and logs in with the id token.
func (f *OAuthFlow) Complete(ctx context.Context, code, codeVerifier string) (*OAuthResponse, error) {
	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrInvalidToken)
	}

	// the provider verifies the token; the subject only routes the login
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	resp, err := f.provider.Login(ctx, &LoginRequest{
		Verifier:   f.verifier,
		VerifierID: subject,
		IDToken:    idToken,
	})
	if err != nil {
		return nil, err
	}
	login, ok := resp.(*JWTResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidResponse, resp)
	}
	return &OAuthResponse{Token: token, Login: login}, nil
}

// ParseRedirect extracts the code and state from a redirect URL.
func ParseRedirect(redirectURL string) (code, state string, err error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", "", fmt.Errorf("parse redirect: %w", err)
	}
	q := u.Query()
	if len(q) == 0 && u.Fragment != "" {
		q, _ = url.ParseQuery(u.Fragment)
	}
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("%w: %s", ErrOAuthDenied, e)
	}
	code, state = q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return "", "", fmt.Errorf("%w: redirect is missing code or state", ErrInvalidResponse)
	}
	return code, state, nil
}
