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

// Package memory is an in-process signing node cluster. Each account's
// server group share is Shamir shared among the nodes, one share set per
// key nonce; refresh, prune, import and export follow the tss.Nodes
// contract. It backs the tests, the demo command and the dev server.
//
// The signing clients are test doubles, not threshold protocols: the
// DKLS client rebuilds the full private key in process and signs with
// plain ECDSA, and the FROST signer runs both rounds locally. They
// exercise the engine's share arithmetic, sampling and session
// handling, nothing more.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

var (
	// ErrNodeUnavailable indicates a sampled node is down
	ErrNodeUnavailable = errors.New("memory: node unavailable")

	// ErrInvalidRequest indicates a malformed request
	ErrInvalidRequest = errors.New("memory: invalid request")
)

// Config configures a node cluster.
type Config struct {
	// Servers is the number of nodes. Defaults to 4.
	Servers int

	// Threshold is the number of nodes needed to sign. Defaults to 3.
	Threshold int

	// Authorize checks the identity signatures on every request.
	// Defaults to requiring at least one signature.
	Authorize func(signatures []string) error

	// SessionTTL bounds the lifetime of a precomputed DKLS session.
	// Defaults to one minute.
	SessionTTL time.Duration

	// ConnectDelay simulates socket setup latency.
	ConnectDelay time.Duration

	// Random is the entropy source. Defaults to crypto/rand.
	Random io.Reader

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Servers == 0 {
		c.Servers = 4
	}
	if c.Threshold == 0 {
		c.Threshold = 3
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = time.Minute
	}
	if c.Random == nil {
		c.Random = rand.Reader
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Authorize == nil {
		c.Authorize = requireSignatures
	}
}

// Validate checks the cluster shape.
func (c *Config) Validate() error {
	if c.Threshold < 1 || c.Threshold > c.Servers {
		return fmt.Errorf("%w: threshold %d of %d servers", ErrInvalidRequest, c.Threshold, c.Servers)
	}
	return nil
}

func requireSignatures(signatures []string) error {
	if len(signatures) == 0 {
		return fmt.Errorf("%w: no signatures", tss.ErrUnauthorized)
	}
	return nil
}

// key is the server group share of one nonce.
type key struct {
	shares map[int]*big.Int
	pub    curve.Point
}

// account is the node side of one account. latest is the highest nonce
// ever issued, even if it has been pruned.
type account struct {
	keyType tss.KeyType
	latest  int
	keys    map[int]*key
}

// Nodes is an in-process tss.Nodes.
type Nodes struct {
	cfg Config

	mu       sync.Mutex
	accounts map[string]*account
	down     map[int]bool
	open     int
}

// New returns an empty cluster.
func New(cfg *Config) (*Nodes, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Nodes{
		cfg:      c,
		accounts: make(map[string]*account),
		down:     make(map[int]bool),
	}, nil
}

// Lib returns a signing library backed by the cluster.
func (n *Nodes) Lib() *tss.SigningLib {
	return &tss.SigningLib{
		DKLS:  &dklsFactory{nodes: n},
		FROST: &frostSigner{nodes: n},
	}
}

func (n *Nodes) Endpoints() []tss.Endpoint {
	out := make([]tss.Endpoint, n.cfg.Servers)
	for i := range out {
		out[i] = tss.Endpoint{Index: i + 1, URL: fmt.Sprintf("memory://node-%d", i+1)}
	}
	return out
}

func (n *Nodes) Threshold() int {
	return n.cfg.Threshold
}

// SetNodeDown marks a node unreachable for signing.
func (n *Nodes) SetNodeDown(index int, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[index] = down
}

// Available returns the number of nodes not marked down.
func (n *Nodes) Available() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	up := 0
	for i := 1; i <= n.cfg.Servers; i++ {
		if !n.down[i] {
			up++
		}
	}
	return up
}

// OpenSessions returns the number of DKLS clients not yet cleaned up.
func (n *Nodes) OpenSessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open
}

// Nonce returns the highest key nonce issued for an account.
func (n *Nodes) Nonce(id tss.AccountID) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, ok := n.accounts[id.String()]
	if !ok {
		return 0, false
	}
	return acct.latest, true
}

// Nonces returns the key nonces held for an account, sorted.
func (n *Nodes) Nonces(id tss.AccountID) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, ok := n.accounts[id.String()]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(acct.keys))
	for nonce := range acct.keys {
		out = append(out, nonce)
	}
	sort.Ints(out)
	return out
}

// holds reports whether the nonce of an account can still sign.
func (n *Nodes) holds(id tss.AccountID, nonce int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, ok := n.accounts[id.String()]
	if !ok {
		return false
	}
	_, ok = acct.keys[nonce]
	return ok
}

// deal Shamir shares secret among the nodes.
func (n *Nodes) deal(c curve.Curve, secret *big.Int) (*key, error) {
	coeffs := []*big.Int{curve.Mod(c, secret)}
	for i := 1; i < n.cfg.Threshold; i++ {
		k, err := curve.RandomScalar(c, n.cfg.Random)
		if err != nil {
			return nil, err
		}
		coeffs = append(coeffs, k)
	}
	shares := make(map[int]*big.Int, n.cfg.Servers)
	for j := 1; j <= n.cfg.Servers; j++ {
		acc := new(big.Int)
		for i := len(coeffs) - 1; i >= 0; i-- {
			acc.Mul(acc, big.NewInt(int64(j)))
			acc.Add(acc, coeffs[i])
			acc.Mod(acc, c.Order())
		}
		shares[j] = acc
	}
	return &key{shares: shares, pub: c.ScalarBaseMult(secret)}, nil
}

// secret interpolates the server group share from the first threshold
// node shares.
func (n *Nodes) secret(c curve.Curve, k *key) (*big.Int, error) {
	xs := make([]int, 0, n.cfg.Threshold)
	ys := make([]*big.Int, 0, n.cfg.Threshold)
	for j := 1; len(xs) < n.cfg.Threshold; j++ {
		xs = append(xs, j)
		ys = append(ys, k.shares[j])
	}
	return curve.Interpolate(c, xs, ys, 0)
}

// install replaces every nonce of the account with secret at nonce 0.
func (n *Nodes) install(id tss.AccountID, c curve.Curve, secret *big.Int) (*key, error) {
	k, err := n.deal(c, secret)
	if err != nil {
		return nil, err
	}
	n.accounts[id.String()] = &account{
		keyType: id.KeyType,
		keys:    map[int]*key{0: k},
	}
	return k, nil
}

func (n *Nodes) lookup(id tss.AccountID, nonce int) (*account, *key, curve.Curve, error) {
	c, err := id.KeyType.Curve()
	if err != nil {
		return nil, nil, nil, err
	}
	acct, ok := n.accounts[id.String()]
	if !ok {
		return nil, nil, nil, tss.ErrAccountNotFound
	}
	k, ok := acct.keys[nonce]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: nonce %d not held, latest %d", tss.ErrStaleNonce, nonce, acct.latest)
	}
	return acct, k, c, nil
}

func (n *Nodes) DKGPublicKey(ctx context.Context, req *tss.DKGRequest) (curve.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.cfg.Authorize(req.Signatures); err != nil {
		return nil, err
	}
	c, err := req.Account.KeyType.Curve()
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := curve.RandomScalar(c, n.cfg.Random)
	if err != nil {
		return nil, err
	}
	k, err := n.install(req.Account, c, s)
	if err != nil {
		return nil, err
	}
	return k.pub, nil
}

func (n *Nodes) Refresh(ctx context.Context, req *tss.RefreshRequest) (*tss.RefreshResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.cfg.Authorize(req.Signatures); err != nil {
		return nil, err
	}
	if req.ClientContribution == nil || len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: refresh needs a contribution and targets", ErrInvalidRequest)
	}
	seen := make(map[int]bool, len(req.Targets))
	for _, t := range req.Targets {
		if t <= 0 || t == curve.ServerIndex || seen[t] {
			return nil, fmt.Errorf("%w: target index %d", ErrInvalidRequest, t)
		}
		seen[t] = true
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	acct, current, c, err := n.lookup(req.Account, req.Nonce)
	if err != nil {
		return nil, err
	}
	s, err := n.secret(c, current)
	if err != nil {
		return nil, err
	}
	lambda, err := curve.LagrangeCoefficientFor(c, []int{curve.ServerIndex, req.ClientIndex}, curve.ServerIndex, 0)
	if err != nil {
		return nil, err
	}
	additive := curve.Mod(c, new(big.Int).Mul(lambda, s))
	slope, err := curve.RandomScalar(c, n.cfg.Random)
	if err != nil {
		return nil, err
	}
	eval := func(x int) *big.Int {
		v := new(big.Int).Mul(slope, big.NewInt(int64(x)))
		return curve.Mod(c, v.Add(v, additive))
	}

	next := new(big.Int).Add(req.ClientContribution, eval(curve.ServerIndex))
	next = curve.Mod(c, next)
	updated, err := n.deal(c, next)
	if err != nil {
		return nil, err
	}
	acct.latest++
	acct.keys[acct.latest] = updated

	out := &tss.RefreshResponse{
		Nonce:        acct.latest,
		ServerPubKey: updated.pub,
		Shares:       make(map[int]*big.Int, len(req.Targets)),
	}
	for _, t := range req.Targets {
		out.Shares[t] = eval(t)
	}
	return out, nil
}

func (n *Nodes) ImportKey(ctx context.Context, req *tss.ImportRequest) (curve.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.cfg.Authorize(req.Signatures); err != nil {
		return nil, err
	}
	if req.ServerShare == nil {
		return nil, fmt.Errorf("%w: missing server share", ErrInvalidRequest)
	}
	c, err := req.Account.KeyType.Curve()
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	k, err := n.install(req.Account, c, req.ServerShare)
	if err != nil {
		return nil, err
	}
	return k.pub, nil
}

func (n *Nodes) Prune(ctx context.Context, req *tss.PruneRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.cfg.Authorize(req.Signatures); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	acct, _, _, err := n.lookup(req.Account, req.Keep)
	if err != nil {
		return err
	}
	for nonce := range acct.keys {
		if nonce < req.Keep {
			delete(acct.keys, nonce)
		}
	}
	return nil
}

func (n *Nodes) ExportShare(ctx context.Context, req *tss.ExportRequest) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.cfg.Authorize(req.Signatures); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	_, k, c, err := n.lookup(req.Account, req.Nonce)
	if err != nil {
		return nil, err
	}
	return n.secret(c, k)
}

// serverWeights returns each sampled node's weighted share, in endpoint
// order.
func (n *Nodes) serverWeights(id tss.AccountID, nonce int, endpoints []tss.Endpoint, coeffs []*big.Int) ([]*big.Int, curve.Curve, error) {
	if len(endpoints) < n.cfg.Threshold || len(endpoints) != len(coeffs) {
		return nil, nil, fmt.Errorf("%w: %d endpoints, %d coefficients, threshold %d",
			ErrInvalidRequest, len(endpoints), len(coeffs), n.cfg.Threshold)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	_, k, c, err := n.lookup(id, nonce)
	if err != nil {
		return nil, nil, err
	}
	out := make([]*big.Int, len(endpoints))
	for i, ep := range endpoints {
		if n.down[ep.Index] {
			return nil, nil, fmt.Errorf("%w: %s", ErrNodeUnavailable, ep.URL)
		}
		share, ok := k.shares[ep.Index]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown node %d", ErrInvalidRequest, ep.Index)
		}
		out[i] = curve.Mod(c, new(big.Int).Mul(coeffs[i], share))
	}
	return out, c, nil
}

// serverPart sums the weighted node shares of the sampled endpoints.
func (n *Nodes) serverPart(id tss.AccountID, nonce int, endpoints []tss.Endpoint, coeffs []*big.Int) (*big.Int, error) {
	weights, c, err := n.serverWeights(id, nonce, endpoints, coeffs)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, w := range weights {
		sum.Add(sum, w)
	}
	return curve.Mod(c, sum), nil
}

// connect simulates socket setup.
func (n *Nodes) connect(ctx context.Context) error {
	if n.cfg.ConnectDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(n.cfg.ConnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
