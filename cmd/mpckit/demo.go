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

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/jeremyhahn/go-mpckit/internal/config"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/audit"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/client"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/mpc"
	"github.com/jeremyhahn/go-mpckit/pkg/recovery"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
	"github.com/jeremyhahn/go-mpckit/pkg/storage"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"github.com/jeremyhahn/go-mpckit/pkg/tss/memory"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/sha3"
)

// ErrSignatureMismatch is returned when a demo signature does not verify.
var ErrSignatureMismatch = errors.New("demo: signature does not verify")

type demoOptions struct {
	user     string
	message  string
	question string
	answer   string
}

func (c *cli) newDemoCmd() *cobra.Command {
	o := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an end-to-end login, factor and signing flow",
		Long: `Run the full device lifecycle against in-process signing nodes:

  1. log in on a first device and sign a message
  2. enable MFA with a recovery factor and register a security question
  3. log in on a second device, recover with the security question
     and sign again with the same public key

The metadata and session services are in-process unless metadata.url
and session.url point at a running 'mpckit serve'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg, o)
		},
	}
	cmd.Flags().StringVar(&o.user, "user", "alice@example.com", "verifier id to log in as")
	cmd.Flags().StringVar(&o.message, "message", "hello from mpckit", "message to sign")
	cmd.Flags().StringVar(&o.question, "question", "What was the name of your first pet?", "security question")
	cmd.Flags().StringVar(&o.answer, "answer", "rex", "security question answer")
	cmd.Flags().String("key-type", "", "key type (secp256k1, ed25519)")
	cmd.Flags().String("metadata-url", "", "metadata service URL (default in-process)")
	cmd.Flags().String("session-url", "", "session service URL (default in-process)")
	c.bindFlags(cmd)
	return cmd
}

// backend is everything outside the device.
type backend struct {
	nodes    *memory.Nodes
	provider *identity.JWTProvider
	metadata metadata.Store
	sessions session.Store
	idSecret []byte
	audit    *audit.Memory
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func newBackend(cfg *config.Config) (*backend, error) {
	idSecret := []byte(cfg.Identity.Secret)
	if len(idSecret) == 0 {
		var err error
		if idSecret, err = randomBytes(32); err != nil {
			return nil, err
		}
	}
	master, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	signing, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	provider, err := identity.NewJWTProvider(&identity.JWTProviderConfig{
		Keyfunc:      identity.HMACKeyfunc(idSecret),
		Issuer:       cfg.Identity.Issuer,
		MasterSecret: master,
		SigningKey:   signing,
	})
	if err != nil {
		return nil, err
	}
	nodes, err := memory.New(&memory.Config{
		Servers:   cfg.Nodes.Servers,
		Threshold: cfg.Nodes.Threshold,
		Authorize: provider.VerifySignatures,
	})
	if err != nil {
		return nil, err
	}

	b := &backend{nodes: nodes, provider: provider, idSecret: idSecret, audit: audit.NewMemory(audit.DefaultCapacity)}
	if cfg.Metadata.URL != "" {
		if b.metadata, err = metadata.NewHTTPStore(&client.Config{Address: cfg.Metadata.URL, Timeout: cfg.Metadata.Timeout}); err != nil {
			return nil, err
		}
	} else {
		b.metadata = metadata.NewMemoryStore()
	}
	if cfg.Session.Enabled {
		if cfg.Session.URL != "" {
			if b.sessions, err = session.NewHTTPStore(&client.Config{Address: cfg.Session.URL, Timeout: cfg.Metadata.Timeout}); err != nil {
				return nil, err
			}
		} else {
			b.sessions = session.NewMemoryStore()
		}
	}
	return b, nil
}

func (b *backend) engine(ctx context.Context, cfg *config.Config, device storage.Backend, log logger.Logger) (*mpc.Engine, error) {
	opts := &mpc.Options{
		Nodes:        b.nodes,
		Signing:      tss.Preloaded(b.nodes.Lib()),
		Identity:     b.provider,
		Metadata:     b.metadata,
		Storage:      device,
		SessionStore: b.sessions,
		Audit:        b.audit,
		Logger:       log,
	}
	cfg.ApplyEngine(opts)
	e, err := mpc.New(opts)
	if err != nil {
		return nil, err
	}
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (b *backend) login(ctx context.Context, e *mpc.Engine, cfg *config.Config, user string) error {
	token, err := identity.IssueIDToken(b.idSecret, cfg.Identity.Issuer, user, nil, time.Hour)
	if err != nil {
		return err
	}
	return e.LoginWithJWT(ctx, &mpc.JWTLoginParams{
		Verifier:   cfg.Identity.Verifier,
		VerifierID: user,
		IDToken:    token,
	})
}

func runDemo(ctx context.Context, out io.Writer, cfg *config.Config, o *demoOptions) error {
	log := cfg.Logger()
	b, err := newBackend(cfg)
	if err != nil {
		return err
	}
	keyType := tss.KeyType(cfg.Engine.KeyType)
	msg := []byte(o.message)

	first, err := cfg.StorageBackend()
	if err != nil {
		return err
	}
	e, err := b.engine(ctx, cfg, first, log)
	if err != nil {
		return err
	}
	if e.Status() != mpc.StatusLoggedIn {
		if err := b.login(ctx, e, cfg, o.user); err != nil {
			return fmt.Errorf("first device login: %w", err)
		}
	}
	pub, err := e.GetPublicKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "logged in as %s (%s)\n", o.user, keyType)
	fmt.Fprintf(out, "public key: %s\n", hex.EncodeToString(pub))

	sig, err := e.Sign(ctx, msg)
	if err != nil {
		return err
	}
	if err := verify(keyType, pub, msg, sig); err != nil {
		return err
	}
	fmt.Fprintf(out, "signature 1 verified: %s\n", hex.EncodeToString(sig))

	recoveryKey := ""
	if !cfg.Engine.DisableHashedFactor {
		if recoveryKey, err = e.EnableMFA(ctx, nil, true); err != nil && !errors.Is(err, mpc.ErrMFAAlreadyEnabled) {
			return fmt.Errorf("enable mfa: %w", err)
		}
		fmt.Fprintln(out, "mfa enabled")
	}
	sq := recovery.NewSecurityQuestion(e, log)
	if _, err := sq.Set(ctx, o.question, o.answer, tss.ShareRecovery); err != nil && !errors.Is(err, recovery.ErrQuestionExists) {
		return fmt.Errorf("security question: %w", err)
	}
	details, err := e.GetKeyDetails(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "factors: %d, required: %d, tss nonce: %d\n",
		details.TotalFactors, details.RequiredFactors, details.TSSNonce)
	if recoveryKey != "" {
		fmt.Fprintln(out, "recovery factor created")
	}

	second, err := b.engine(ctx, cfg, storage.NewMemory(), log)
	if err != nil {
		return err
	}
	if err := b.login(ctx, second, cfg, o.user); err != nil {
		return fmt.Errorf("second device login: %w", err)
	}
	fmt.Fprintf(out, "second device status: %s\n", second.Status())
	if second.Status() == mpc.StatusRequiredShare {
		key, err := recovery.NewSecurityQuestion(second, log).Recover(ctx, o.answer)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		if err := second.InputFactorKey(ctx, key); err != nil {
			return fmt.Errorf("input factor: %w", err)
		}
		fmt.Fprintln(out, "second device recovered with security question")
	}
	pub2, err := second.GetPublicKey()
	if err != nil {
		return err
	}
	sig2, err := second.Sign(ctx, msg)
	if err != nil {
		return err
	}
	if err := verify(keyType, pub, msg, sig2); err != nil {
		return err
	}
	if hex.EncodeToString(pub2) != hex.EncodeToString(pub) {
		return fmt.Errorf("%w: second device key differs", ErrSignatureMismatch)
	}
	fmt.Fprintf(out, "signature 2 verified: %s\n", hex.EncodeToString(sig2))
	return printAudit(ctx, out, b.audit)
}

// printAudit writes the recorded operations, oldest first.
func printAudit(ctx context.Context, out io.Writer, rec audit.Recorder) error {
	events, err := rec.Events(ctx, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "audit trail: %d events\n", len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		who := "-"
		if ev.Principal != nil {
			who = ev.Principal.VerifierID
		}
		fmt.Fprintf(out, "  %s %-14s %-7s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Operation, ev.Outcome, who)
	}
	return nil
}

// verify checks a secp256k1 r || s || v signature over Keccak-256(msg)
// by key recovery, or an ed25519 signature over msg.
func verify(keyType tss.KeyType, pub, msg, sig []byte) error {
	if keyType == tss.KeyEd25519 {
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
			return ErrSignatureMismatch
		}
		return nil
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: %d byte signature", ErrSignatureMismatch, len(sig))
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(msg)
	compact := append([]byte{27 + sig[64]}, sig[:64]...)
	recovered, _, err := ecdsa.RecoverCompact(compact, h.Sum(nil))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if hex.EncodeToString(recovered.SerializeCompressed()) != hex.EncodeToString(pub) {
		return ErrSignatureMismatch
	}
	return nil
}
