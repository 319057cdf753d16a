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

package mpc

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactorLifecycle(t *testing.T) {
	for _, kt := range []tss.KeyType{tss.KeySecp256k1, tss.KeyEd25519} {
		t.Run(string(kt), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			e := h.device(t, kt)
			login(t, e, "alice")
			require.Equal(t, StatusLoggedIn, e.Status())
			assert.Equal(t, 1, totalFactors(t, e))

			key, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery})
			require.NoError(t, err)
			assert.Len(t, key, 64)
			_, err = hex.DecodeString(key)
			require.NoError(t, err)
			assert.Equal(t, 2, totalFactors(t, e))

			recovery := mustFactor(t, key)
			require.NoError(t, e.DeleteFactor(ctx, metadata.StoreKey(recovery), recovery))
			assert.Equal(t, 1, totalFactors(t, e))

			active, err := e.GetCurrentFactorKey()
			require.NoError(t, err)
			err = e.DeleteFactor(ctx, active.Pub(), nil)
			assert.ErrorIs(t, err, ErrCannotDeleteLastFactor)
			assert.EqualError(t, err, "mpc: cannot delete last factor")

			sig, err := e.Sign(ctx, []byte("after refresh"))
			require.NoError(t, err)
			pub, err := e.GetPublicKey()
			require.NoError(t, err)
			if kt == tss.KeyEd25519 {
				verifyEd(t, pub, []byte("after refresh"), sig)
			} else {
				verifySecp(t, pub, keccak([]byte("after refresh")), sig)
			}
		})
	}
}

func TestCreateFactorShareTypes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)
	login(t, e, "bob")
	tssPub, err := e.TSSPubKey()
	require.NoError(t, err)
	before := e.State().TSSShare

	// same index as the active factor copies the share
	deviceKey, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareDevice})
	require.NoError(t, err)
	assert.Equal(t, 0, before.Cmp(e.State().TSSShare))
	acct := h.storedAccount(t, e)
	assert.Equal(t, 0, acct.TSSNonce)

	// a new index refreshes
	_, err = e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery, Module: "paper"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, before.Cmp(e.State().TSSShare))
	acct = h.storedAccount(t, e)
	assert.Equal(t, 1, acct.TSSNonce)
	assert.Len(t, acct.FactorPubs, 3)

	// every factor still yields the same key
	for _, pub := range acct.FactorPubs {
		assert.Equal(t, acct.TSSNonce, acct.FactorEncs[pub].Nonce)
	}
	other := h.device(t, tss.KeySecp256k1, func(o *Options) { o.DisableHashedFactorKey = true })
	login(t, other, "bob")
	require.Equal(t, StatusRequiredShare, other.Status())
	require.NoError(t, other.InputFactorKey(ctx, mustFactor(t, deviceKey)))
	otherPub, err := other.TSSPubKey()
	require.NoError(t, err)
	assert.Equal(t, tssPub, otherPub)

	details, err := e.GetKeyDetails(ctx)
	require.NoError(t, err)
	var descs []string
	for _, d := range details.ShareDescriptions {
		descs = append(descs, d...)
	}
	assert.Len(t, descs, 3)
	assert.Contains(t, strings.Join(descs, "\n"), `"module":"paper"`)
}

func TestCreateFactorRejectsInvalidShareType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)
	login(t, e, "carol")
	before := h.storedAccount(t, e)

	for _, st := range []tss.ShareType{0, 1, 4, 99} {
		_, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: st})
		assert.ErrorIs(t, err, ErrInvalidShareType)
	}
	_, err := e.CreateFactor(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidShareType)

	assert.Equal(t, before, h.storedAccount(t, e))
	assert.Equal(t, 0, e.PendingChanges())
}

func TestCreateFactorRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)
	login(t, e, "dave")

	key, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery})
	require.NoError(t, err)
	_, err = e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery, FactorKey: mustFactor(t, key)})
	assert.ErrorIs(t, err, ErrFactorExists)

	var fe *FactorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, metadata.StoreKey(mustFactor(t, key)), fe.Pub)

	_, err = e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery, FactorKey: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrInvalidFactor)
}

func TestCreateFactorLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)
	login(t, e, "erin")

	for i := 1; i < MaxFactors; i++ {
		_, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareDevice})
		require.NoError(t, err)
	}
	_, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareDevice})
	assert.ErrorIs(t, err, ErrMaxFactorsReached)
	assert.Equal(t, MaxFactors, totalFactors(t, e))
}

func TestDeleteFactorProtections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)
	login(t, e, "frank")

	key, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery})
	require.NoError(t, err)
	recovery := mustFactor(t, key)

	active, err := e.GetCurrentFactorKey()
	require.NoError(t, err)
	assert.ErrorIs(t, e.DeleteFactor(ctx, active.Pub(), nil), ErrCannotDeleteActiveFactor)

	missing, err := curve.RandomScalar(curve.Secp256k1(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, e.DeleteFactor(ctx, metadata.StoreKey(missing), nil), ErrFactorNotPresent)

	// the key must match the public key
	assert.ErrorIs(t, e.DeleteFactor(ctx, metadata.StoreKey(recovery), missing), ErrInvalidFactor)
	assert.Equal(t, 2, totalFactors(t, e))

	// deleting by public key only leaves the backup, but the factor no
	// longer unlocks the account
	require.NoError(t, e.DeleteFactor(ctx, metadata.StoreKey(recovery), nil))
	other := h.device(t, tss.KeySecp256k1, func(o *Options) { o.DisableHashedFactorKey = true })
	login(t, other, "frank")
	require.Equal(t, StatusRequiredShare, other.Status())
	err = other.InputFactorKey(ctx, recovery)
	assert.ErrorIs(t, err, ErrFactorNotPresent)
	assert.Equal(t, StatusRequiredShare, other.Status())
}

func TestInputFactorKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)
	login(t, e, "grace")
	key, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery})
	require.NoError(t, err)
	recovery := mustFactor(t, key)
	want, err := e.TSSPubKey()
	require.NoError(t, err)

	other := h.device(t, tss.KeySecp256k1, func(o *Options) { o.DisableHashedFactorKey = true })
	_, err = other.GetCurrentFactorKey()
	assert.ErrorIs(t, err, ErrNoActiveSession)
	login(t, other, "grace")
	require.Equal(t, StatusRequiredShare, other.Status())

	details, err := other.GetKeyDetails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, details.RequiredFactors)
	assert.Empty(t, details.TSSPubKey)

	_, err = other.Sign(ctx, []byte("locked"))
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	// applying the same factor twice lands in the same state
	require.NoError(t, other.InputFactorKey(ctx, recovery))
	first := other.State()
	require.NoError(t, other.InputFactorKey(ctx, recovery))
	second := other.State()
	assert.Equal(t, StatusLoggedIn, second.Status)
	assert.Equal(t, 0, first.TSSShare.Cmp(second.TSSShare))
	assert.Equal(t, first.TSSPubKey, second.TSSPubKey)
	assert.Equal(t, want, second.TSSPubKey)
	assert.Equal(t, tss.ShareRecovery, second.TSSShareIndex)

	current, err := other.GetCurrentFactorKey()
	require.NoError(t, err)
	assert.Equal(t, key, current.Hex())
	assert.Equal(t, tss.ShareRecovery, current.ShareType)
}

func TestInputFactorKeyRejectsUnknownFactor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1, func(o *Options) { o.DisableHashedFactorKey = true })
	login(t, e, "heidi")
	require.Equal(t, StatusLoggedIn, e.Status())

	other := h.device(t, tss.KeySecp256k1, func(o *Options) { o.DisableHashedFactorKey = true })
	login(t, other, "heidi")
	require.Equal(t, StatusRequiredShare, other.Status())

	unknown, err := curve.RandomScalar(curve.Secp256k1(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, other.InputFactorKey(ctx, unknown), ErrFactorNotPresent)
	assert.ErrorIs(t, other.InputFactorKey(ctx, nil), ErrInvalidFactor)
	assert.Equal(t, StatusRequiredShare, other.Status())

	// a factor of another account is rejected
	stranger := h.device(t, tss.KeySecp256k1)
	login(t, stranger, "ivan")
	foreign, err := stranger.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery})
	require.NoError(t, err)
	assert.ErrorIs(t, other.InputFactorKey(ctx, mustFactor(t, foreign)), ErrInvalidFactor)
}

func TestOperationsRequireLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.device(t, tss.KeySecp256k1)

	_, err := e.CreateFactor(ctx, &CreateFactorParams{ShareType: tss.ShareRecovery})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.ErrorIs(t, e.DeleteFactor(ctx, "02aa", nil), ErrNotLoggedIn)
	_, err = e.Sign(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = e.EnableMFA(ctx, nil, false)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.ErrorIs(t, e.Logout(ctx), ErrNotLoggedIn)
	_, err = e.GetKeyDetails(ctx)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.ErrorIs(t, e.InputFactorKey(ctx, big.NewInt(1)), ErrNotLoggedIn)

	uninit, err := New(h.options(tss.KeySecp256k1, nil))
	require.NoError(t, err)
	assert.ErrorIs(t, uninit.LoginWithJWT(ctx, jwtParams(t, "x")), ErrNotInitialized)
}
