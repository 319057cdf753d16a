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

package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

type frostSigner struct {
	nodes *Nodes
}

// commitment is one participant's round one output.
type commitment struct {
	hiding  *edwards25519.Point
	binding *edwards25519.Point
}

// participant holds one signer's additive weight and nonces.
type participant struct {
	weight *edwards25519.Scalar
	d, e   *edwards25519.Scalar
	commit commitment
}

// Sign runs two round FROST with the client and the sampled nodes as
// participants. Each participant signs with its additive weight, so the
// aggregate response verifies as a plain ed25519 signature.
func (f *frostSigner) Sign(ctx context.Context, req *tss.FROSTRequest) ([]byte, error) {
	if req == nil || req.Share == nil {
		return nil, fmt.Errorf("%w: missing client share", ErrInvalidRequest)
	}
	if req.Account.KeyType != tss.KeyEd25519 {
		return nil, fmt.Errorf("%w: frost signs ed25519 only", tss.ErrInvalidKeyType)
	}
	if len(req.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidRequest, ed25519.PublicKeySize)
	}
	if err := f.nodes.cfg.Authorize(req.Signatures); err != nil {
		return nil, err
	}
	if err := f.nodes.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to signing nodes: %w", err)
	}

	nodeWeights, _, err := f.nodes.serverWeights(req.Account, req.Nonce, req.Endpoints, req.ServerCoefficients)
	if err != nil {
		return nil, err
	}
	weights := append([]*big.Int{req.Share}, nodeWeights...)

	parts := make([]*participant, len(weights))
	for i, w := range weights {
		p, err := round1(f.nodes.cfg.Random, w)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}

	encoded := encodeCommitments(parts)
	rho := make([]*edwards25519.Scalar, len(parts))
	groupCommit := edwards25519.NewIdentityPoint()
	for i, p := range parts {
		rho[i] = bindingFactor(i, req.Message, encoded)
		term := new(edwards25519.Point).ScalarMult(rho[i], p.commit.binding)
		term.Add(term, p.commit.hiding)
		groupCommit.Add(groupCommit, term)
	}

	challenge := challenge(groupCommit.Bytes(), req.PubKey, req.Message)

	z := edwards25519.NewScalar()
	for i, p := range parts {
		// z_i = d_i + rho_i*e_i + c*w_i
		zi := edwards25519.NewScalar().Multiply(rho[i], p.e)
		zi.Add(zi, p.d)
		zi.MultiplyAdd(challenge, p.weight, zi)
		z.Add(z, zi)
	}

	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, groupCommit.Bytes()...)
	sig = append(sig, z.Bytes()...)

	if !ed25519.Verify(ed25519.PublicKey(req.PubKey), req.Message, sig) {
		return nil, errors.New("memory: aggregate signature failed verification")
	}
	return sig, nil
}

func randomScalar(r io.Reader) (*edwards25519.Scalar, error) {
	var buf [64]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return edwards25519.NewScalar().SetUniformBytes(buf[:])
}

func round1(r io.Reader, weight *big.Int) (*participant, error) {
	d, err := randomScalar(r)
	if err != nil {
		return nil, err
	}
	e, err := randomScalar(r)
	if err != nil {
		return nil, err
	}
	return &participant{
		weight: curve.EdScalar(weight),
		d:      d,
		e:      e,
		commit: commitment{
			hiding:  new(edwards25519.Point).ScalarBaseMult(d),
			binding: new(edwards25519.Point).ScalarBaseMult(e),
		},
	}, nil
}

func encodeCommitments(parts []*participant) []byte {
	out := make([]byte, 0, len(parts)*68)
	for i, p := range parts {
		out = binary.BigEndian.AppendUint32(out, uint32(i))
		out = append(out, p.commit.hiding.Bytes()...)
		out = append(out, p.commit.binding.Bytes()...)
	}
	return out
}

func bindingFactor(i int, msg, commitments []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte("mpckit-frost-rho"))
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(i)))
	h.Write(msg)
	h.Write(commitments)
	s, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	return s
}

// challenge is the ed25519 challenge H(R || A || M).
func challenge(r, pub, msg []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(r)
	h.Write(pub)
	h.Write(msg)
	s, _ := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	return s
}
