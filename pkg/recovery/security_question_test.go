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

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/mpc"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"github.com/jeremyhahn/go-mpckit/pkg/tss/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testIDSecret = []byte("id-token-secret-0123456789abcdef")
	testMaster   = []byte("postbox-master-secret-0123456789")
	testSigning  = []byte("node-signing-key-0123456789abcde")
)

type backend struct {
	nodes    *memory.Nodes
	provider *identity.JWTProvider
	store    *metadata.MemoryStore
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	provider, err := identity.NewJWTProvider(&identity.JWTProviderConfig{
		Keyfunc:      identity.HMACKeyfunc(testIDSecret),
		Issuer:       "test-issuer",
		MasterSecret: testMaster,
		SigningKey:   testSigning,
	})
	require.NoError(t, err)
	nodes, err := memory.New(&memory.Config{Authorize: provider.VerifySignatures})
	require.NoError(t, err)
	return &backend{nodes: nodes, provider: provider, store: metadata.NewMemoryStore()}
}

// engine returns a logged in engine for subject on a fresh device.
// Without the hashed factor an existing account ends in REQUIRED_SHARE.
func (b *backend) engine(t *testing.T, keyType tss.KeyType, subject string, hashed bool) *mpc.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := mpc.New(&mpc.Options{
		ClientID:               "test-client",
		KeyType:                keyType,
		Nodes:                  b.nodes,
		Signing:                tss.Preloaded(b.nodes.Lib()),
		Identity:               b.provider,
		Metadata:               b.store,
		DisableHashedFactorKey: !hashed,
	})
	require.NoError(t, err)
	require.NoError(t, e.Init(ctx))

	token, err := identity.IssueIDToken(testIDSecret, "test-issuer", subject, nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, e.LoginWithJWT(ctx, &mpc.JWTLoginParams{
		Verifier:   "v",
		VerifierID: subject,
		IDToken:    token,
	}))
	return e
}

func factorCount(t *testing.T, e *mpc.Engine) int {
	t.Helper()
	d, err := e.GetKeyDetails(context.Background())
	require.NoError(t, err)
	return d.TotalFactors
}

func TestSecurityQuestionRecovery(t *testing.T) {
	for _, kt := range []tss.KeyType{tss.KeySecp256k1, tss.KeyEd25519} {
		t.Run(string(kt), func(t *testing.T) {
			ctx := context.Background()
			b := newBackend(t)
			e := b.engine(t, kt, "alice", true)
			want, err := e.TSSPubKey()
			require.NoError(t, err)

			sq := NewSecurityQuestion(e, nil)
			keyHex, err := sq.Set(ctx, "first pet?", "fluffy", 0)
			require.NoError(t, err)
			assert.Len(t, keyHex, 64)
			assert.Equal(t, 2, factorCount(t, e))

			question, err := sq.Question(ctx)
			require.NoError(t, err)
			assert.Equal(t, "first pet?", question)

			// a new device without the hashed factor
			other := b.engine(t, kt, "alice", false)
			require.Equal(t, mpc.StatusRequiredShare, other.Status())
			osq := NewSecurityQuestion(other, nil)

			question, err = osq.Question(ctx)
			require.NoError(t, err)
			assert.Equal(t, "first pet?", question)

			_, err = osq.Recover(ctx, "rex")
			assert.ErrorIs(t, err, ErrInvalidAnswer)
			assert.Contains(t, err.Error(), "Invalid answer")
			_, err = osq.Recover(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidAnswer)

			first, err := osq.Recover(ctx, "fluffy")
			require.NoError(t, err)
			second, err := osq.Recover(ctx, "fluffy")
			require.NoError(t, err)
			assert.Equal(t, 0, first.Cmp(second))
			assert.Equal(t, keyHex, curve.HexScalar(first))

			require.NoError(t, other.InputFactorKey(ctx, first))
			assert.Equal(t, mpc.StatusLoggedIn, other.Status())
			got, err := other.TSSPubKey()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			active, err := other.GetCurrentFactorKey()
			require.NoError(t, err)
			assert.Equal(t, tss.ShareRecovery, active.ShareType)
		})
	}
}

func TestSetSecurityQuestionValidation(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	e := b.engine(t, tss.KeySecp256k1, "bob", true)
	sq := NewSecurityQuestion(e, nil)

	_, err := sq.Set(ctx, " ", "answer", 0)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	_, err = sq.Set(ctx, "q?", "", 0)
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	_, err = sq.Set(ctx, "q?", "a", tss.ShareType(7))
	assert.ErrorIs(t, err, mpc.ErrInvalidShareType)
	assert.Equal(t, 1, factorCount(t, e))

	_, err = sq.Question(ctx)
	assert.ErrorIs(t, err, ErrQuestionNotFound)
	_, err = sq.Recover(ctx, "a")
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	_, err = sq.Set(ctx, "q?", "a", tss.ShareDevice)
	require.NoError(t, err)
	_, err = sq.Set(ctx, "other?", "b", 0)
	assert.ErrorIs(t, err, ErrQuestionExists)
	assert.Equal(t, 2, factorCount(t, e))

	// the commitment is public, the key is not
	c, err := sq.commitment(ctx)
	require.NoError(t, err)
	assert.Equal(t, tss.ShareDevice, c.ShareType)
	assert.Len(t, c.FactorPublicKey, 66)
}

func TestChangeSecurityQuestion(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	e := b.engine(t, tss.KeySecp256k1, "carol", true)
	sq := NewSecurityQuestion(e, nil)

	oldHex, err := sq.Set(ctx, "city?", "paris", 0)
	require.NoError(t, err)

	_, err = sq.Change(ctx, "street?", "main", "rome")
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	newHex, err := sq.Change(ctx, "street?", "main", "paris")
	require.NoError(t, err)
	assert.NotEqual(t, oldHex, newHex)
	assert.Equal(t, 2, factorCount(t, e))

	question, err := sq.Question(ctx)
	require.NoError(t, err)
	assert.Equal(t, "street?", question)
	_, err = sq.Recover(ctx, "paris")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	key, err := sq.Recover(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, newHex, curve.HexScalar(key))

	// the old factor no longer unlocks the account
	other := b.engine(t, tss.KeySecp256k1, "carol", false)
	oldKey, err := mpc.ParseFactorKey(oldHex)
	require.NoError(t, err)
	assert.Error(t, other.InputFactorKey(ctx, oldKey))
	require.NoError(t, other.InputFactorKey(ctx, key))
}

func TestChangeSecurityQuestionMovesActiveFactor(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	e := b.engine(t, tss.KeySecp256k1, "dave", true)
	_, err := NewSecurityQuestion(e, nil).Set(ctx, "color?", "blue", 0)
	require.NoError(t, err)

	other := b.engine(t, tss.KeySecp256k1, "dave", false)
	sq := NewSecurityQuestion(other, nil)
	key, err := sq.Recover(ctx, "blue")
	require.NoError(t, err)
	require.NoError(t, other.InputFactorKey(ctx, key))

	newHex, err := sq.Change(ctx, "color?", "green", "blue")
	require.NoError(t, err)
	active, err := other.GetCurrentFactorKey()
	require.NoError(t, err)
	assert.Equal(t, newHex, active.Hex())
	assert.Equal(t, 2, factorCount(t, other))

	sig, err := other.Sign(ctx, []byte("still signing"))
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

func TestChangeSecurityQuestionSameAnswer(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	e := b.engine(t, tss.KeySecp256k1, "erin", true)
	sq := NewSecurityQuestion(e, nil)

	keyHex, err := sq.Set(ctx, "food?", "pizza", 0)
	require.NoError(t, err)
	again, err := sq.Change(ctx, "favourite food?", "pizza", "pizza")
	require.NoError(t, err)
	assert.Equal(t, keyHex, again)
	assert.Equal(t, 2, factorCount(t, e))

	question, err := sq.Question(ctx)
	require.NoError(t, err)
	assert.Equal(t, "favourite food?", question)
}

func TestDeleteSecurityQuestion(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	e := b.engine(t, tss.KeySecp256k1, "frank", true)
	sq := NewSecurityQuestion(e, nil)

	assert.ErrorIs(t, sq.Delete(ctx, true), ErrQuestionNotFound)

	_, err := sq.Set(ctx, "q1?", "a1", 0)
	require.NoError(t, err)
	require.NoError(t, sq.Delete(ctx, false))
	assert.Equal(t, 2, factorCount(t, e))
	_, err = sq.Question(ctx)
	assert.ErrorIs(t, err, ErrQuestionNotFound)

	// the factor is still registered, so the same answer cannot be set
	// again until it is deleted
	_, err = sq.Set(ctx, "q1?", "a1", 0)
	assert.ErrorIs(t, err, mpc.ErrFactorExists)

	_, err = sq.Set(ctx, "q2?", "a2", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, factorCount(t, e))
	require.NoError(t, sq.Delete(ctx, true))
	assert.Equal(t, 2, factorCount(t, e))
	_, err = sq.Recover(ctx, "a2")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
}

func TestFactorKeyDerivation(t *testing.T) {
	a, err := FactorKey("answer", "02abcd", "default")
	require.NoError(t, err)
	b, err := FactorKey("answer", "02abcd", "default")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Cmp(b))

	for _, other := range [][3]string{
		{"Answer", "02abcd", "default"},
		{"answer", "03abcd", "default"},
		{"answer", "02abcd", "other"},
	} {
		k, err := FactorKey(other[0], other[1], other[2])
		require.NoError(t, err)
		assert.NotEqual(t, 0, a.Cmp(k), "%v", other)
	}
}

func TestSecurityQuestionRequiresLogin(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	e := b.engine(t, tss.KeySecp256k1, "grace", true)
	require.NoError(t, e.Logout(ctx))

	sq := NewSecurityQuestion(e, nil)
	_, err := sq.Set(ctx, "q?", "a", 0)
	assert.ErrorIs(t, err, mpc.ErrNotLoggedIn)
	_, err = sq.Recover(ctx, "a")
	assert.ErrorIs(t, err, mpc.ErrNotLoggedIn)
	assert.Equal(t, "tssSecurityQuestion:default", sq.Domain())
}
