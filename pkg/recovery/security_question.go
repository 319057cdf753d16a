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

// Package recovery provides factor recovery modules built on an mpc
// Engine. SecurityQuestion turns a question and answer into a factor:
// the factor key is derived from the answer and only a public
// commitment is stored.
package recovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/mpc"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"golang.org/x/crypto/sha3"
)

// DomainPrefix prefixes the social store domain of a question; the
// account tag completes it.
const DomainPrefix = "tssSecurityQuestion"

var (
	// ErrInvalidAnswer is returned for any answer that does not match
	// the stored commitment, including when no question is set
	ErrInvalidAnswer = errors.New("recovery: Invalid answer")

	// ErrQuestionExists indicates a question is already registered
	ErrQuestionExists = errors.New("recovery: security question already set")

	// ErrQuestionNotFound indicates no question is registered
	ErrQuestionNotFound = errors.New("recovery: security question not set")

	// ErrEmptyQuestion indicates a blank question
	ErrEmptyQuestion = errors.New("recovery: question is required")
)

// Engine is the part of mpc.Engine the security question uses.
type Engine interface {
	TSSPubKey() ([]byte, error)
	TSSTag() string
	GetCurrentFactorKey() (*mpc.FactorKey, error)
	CreateFactor(ctx context.Context, p *mpc.CreateFactorParams) (string, error)
	DeleteFactor(ctx context.Context, factorPub string, factorKey *big.Int) error
	InputFactorKey(ctx context.Context, factorKey *big.Int) error
	GetSocialStoreDomain(ctx context.Context, domain string, v any) (bool, error)
	SetSocialStoreDomain(ctx context.Context, domain string, v any) error
	DeleteSocialStoreDomain(ctx context.Context, domain string) error
	AtomicSync(ctx context.Context, fn func(ctx context.Context) error) error
}

// Commitment is the stored, public part of a security question.
type Commitment struct {
	ShareType       tss.ShareType `json:"shareType"`
	FactorPublicKey string        `json:"factorPublicKey"`
	Question        string        `json:"question"`
	TSSPubKey       string        `json:"tssPubKey"`
}

// SecurityQuestion manages the security question factor of one engine.
type SecurityQuestion struct {
	engine Engine
	logger logger.Logger
}

// NewSecurityQuestion returns a security question module for engine.
func NewSecurityQuestion(engine Engine, log logger.Logger) *SecurityQuestion {
	if log == nil {
		log = logger.Nop()
	}
	return &SecurityQuestion{
		engine: engine,
		logger: log.With(logger.String("module", mpc.ModuleSecurityQuestion)),
	}
}

// Domain returns the social store domain for the engine's account tag.
func (q *SecurityQuestion) Domain() string {
	return DomainPrefix + ":" + q.engine.TSSTag()
}

// FactorKey derives the factor key of answer for an account:
// Keccak-256(answer || tssPubHex || tag) reduced modulo the secp256k1
// order.
func FactorKey(answer string, tssPubHex, tag string) (*big.Int, error) {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(answer))
	h.Write([]byte(tssPubHex))
	h.Write([]byte(tag))
	k := new(big.Int).SetBytes(h.Sum(nil))
	k.Mod(k, curve.Secp256k1().Order())
	if k.Sign() == 0 {
		return nil, ErrInvalidAnswer
	}
	return k, nil
}

func (q *SecurityQuestion) commitment(ctx context.Context) (*Commitment, error) {
	c := &Commitment{}
	ok, err := q.engine.GetSocialStoreDomain(ctx, q.Domain(), c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuestionNotFound
	}
	return c, nil
}

// Question returns the registered question.
func (q *SecurityQuestion) Question(ctx context.Context) (string, error) {
	c, err := q.commitment(ctx)
	if err != nil {
		return "", err
	}
	return c.Question, nil
}

// Set registers question as a new factor of shareType, RECOVERY when
// zero, and returns the factor key as 64 hex characters.
func (q *SecurityQuestion) Set(ctx context.Context, question, answer string, shareType tss.ShareType) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}
	if answer == "" {
		return "", ErrInvalidAnswer
	}
	if shareType == 0 {
		shareType = tss.ShareRecovery
	}
	if !shareType.Valid() {
		return "", fmt.Errorf("%w: %d", mpc.ErrInvalidShareType, int(shareType))
	}
	tssPub, err := q.engine.TSSPubKey()
	if err != nil {
		return "", err
	}
	if _, err := q.commitment(ctx); err == nil {
		return "", ErrQuestionExists
	} else if !errors.Is(err, ErrQuestionNotFound) {
		return "", err
	}

	tssPubHex := hex.EncodeToString(tssPub)
	key, err := FactorKey(answer, tssPubHex, q.engine.TSSTag())
	if err != nil {
		return "", err
	}
	err = q.engine.AtomicSync(ctx, func(ctx context.Context) error {
		if _, err := q.engine.CreateFactor(ctx, &mpc.CreateFactorParams{
			ShareType: shareType,
			FactorKey: key,
			Module:    mpc.ModuleSecurityQuestion,
			Metadata:  map[string]string{"question": question},
		}); err != nil {
			return err
		}
		return q.engine.SetSocialStoreDomain(ctx, q.Domain(), &Commitment{
			ShareType:       shareType,
			FactorPublicKey: metadata.StoreKey(key),
			Question:        question,
			TSSPubKey:       tssPubHex,
		})
	})
	if err != nil {
		return "", fmt.Errorf("recovery: set security question: %w", err)
	}
	q.logger.InfoContext(ctx, "security question set", logger.String("shareType", shareType.String()))
	return curve.HexScalar(key), nil
}

// Recover returns the factor key for answer. Any mismatch, including a
// missing question, is ErrInvalidAnswer. It needs an identity login but
// no active factor.
func (q *SecurityQuestion) Recover(ctx context.Context, answer string) (key *big.Int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation(metrics.OpRecovery, "", start, err, recoveryErrorType(err)) }()

	c, err := q.commitment(ctx)
	if errors.Is(err, ErrQuestionNotFound) {
		return nil, ErrInvalidAnswer
	}
	if err != nil {
		return nil, err
	}
	key, err = FactorKey(answer, c.TSSPubKey, q.engine.TSSTag())
	if err != nil {
		return nil, ErrInvalidAnswer
	}
	if metadata.StoreKey(key) != c.FactorPublicKey {
		q.logger.WarnContext(ctx, "security question answer rejected")
		return nil, ErrInvalidAnswer
	}
	return key, nil
}

// Change proves oldAnswer, registers the new question and answer as a
// new factor of the same share type and deletes the old factor. When
// the old factor is active the new one is applied first.
func (q *SecurityQuestion) Change(ctx context.Context, question, answer, oldAnswer string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}
	if answer == "" {
		return "", ErrInvalidAnswer
	}
	old, err := q.Recover(ctx, oldAnswer)
	if err != nil {
		return "", err
	}
	c, err := q.commitment(ctx)
	if err != nil {
		return "", err
	}
	tssPub, err := q.engine.TSSPubKey()
	if err != nil {
		return "", err
	}
	tssPubHex := hex.EncodeToString(tssPub)
	key, err := FactorKey(answer, tssPubHex, q.engine.TSSTag())
	if err != nil {
		return "", err
	}
	oldPub := metadata.StoreKey(old)
	next := &Commitment{
		ShareType:       c.ShareType,
		FactorPublicKey: metadata.StoreKey(key),
		Question:        question,
		TSSPubKey:       tssPubHex,
	}

	err = q.engine.AtomicSync(ctx, func(ctx context.Context) error {
		if next.FactorPublicKey != oldPub {
			if _, err := q.engine.CreateFactor(ctx, &mpc.CreateFactorParams{
				ShareType: c.ShareType,
				FactorKey: key,
				Module:    mpc.ModuleSecurityQuestion,
				Metadata:  map[string]string{"question": question},
			}); err != nil {
				return err
			}
			active, err := q.engine.GetCurrentFactorKey()
			if err != nil {
				return err
			}
			if active.Pub() == oldPub {
				if err := q.engine.InputFactorKey(ctx, key); err != nil {
					return err
				}
			}
			if err := q.engine.DeleteFactor(ctx, oldPub, old); err != nil {
				return err
			}
		}
		return q.engine.SetSocialStoreDomain(ctx, q.Domain(), next)
	})
	if err != nil {
		return "", fmt.Errorf("recovery: change security question: %w", err)
	}
	q.logger.InfoContext(ctx, "security question changed")
	return curve.HexScalar(key), nil
}

// Delete removes the question. With deleteFactor the question's factor
// is deleted too.
func (q *SecurityQuestion) Delete(ctx context.Context, deleteFactor bool) error {
	c, err := q.commitment(ctx)
	if err != nil {
		return err
	}
	err = q.engine.AtomicSync(ctx, func(ctx context.Context) error {
		if deleteFactor {
			if err := q.engine.DeleteFactor(ctx, c.FactorPublicKey, nil); err != nil {
				return err
			}
		}
		return q.engine.DeleteSocialStoreDomain(ctx, q.Domain())
	})
	if err != nil {
		return fmt.Errorf("recovery: delete security question: %w", err)
	}
	q.logger.InfoContext(ctx, "security question deleted", logger.Bool("factorDeleted", deleteFactor))
	return nil
}

func recoveryErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAnswer):
		return "invalid_answer"
	}
	return "internal"
}
