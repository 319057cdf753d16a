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
	"fmt"
	"math/big"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

// EnableMFAParams configures EnableMFA.
type EnableMFAParams struct {
	// FactorKey is the new device factor. Generated when nil.
	FactorKey *big.Int

	// Metadata is stored with the device factor's share description.
	Metadata map[string]string
}

// EnableMFA replaces the hashed factor with a device factor stored on
// this device and, when recoveryFactor is set, adds a recovery factor
// whose key is returned. All metadata writes land in one batch; on
// failure nothing is written and the session state is restored.
func (e *Engine) EnableMFA(ctx context.Context, p *EnableMFAParams, recoveryFactor bool) (recoveryKey string, err error) {
	ctx = opContext(ctx, metrics.OpEnableMFA)
	start := time.Now()
	defer func() { e.observe(ctx, metrics.OpEnableMFA, start, err) }()

	if p == nil {
		p = &EnableMFAParams{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return "", err
	}
	if e.adapter.Pending() > 0 {
		return "", ErrCommitBeforeMFA
	}
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return "", err
	}
	hashed := hashedFactorKey(e.state.PostboxKey, e.opts.HashedFactorNonce)
	if !acct.hasFactor(metadata.StoreKey(hashed)) {
		return "", ErrMFAAlreadyEnabled
	}

	secp := curve.Secp256k1()
	deviceKey := p.FactorKey
	if deviceKey == nil {
		if deviceKey, err = curve.RandomScalar(secp, e.opts.Random); err != nil {
			return "", err
		}
	} else if err := validFactorKey(deviceKey); err != nil {
		return "", err
	}
	var recovery *big.Int
	if recoveryFactor {
		if recovery, err = curve.RandomScalar(secp, e.opts.Random); err != nil {
			return "", err
		}
	}

	x := accountX(e.state.MetadataPubKey)
	previous, err := e.device.factor(x)
	if err != nil {
		return "", err
	}
	snapshot := e.state

	scope := e.adapter.Begin()
	defer scope.End()

	err = e.enableMFA(ctx, hashed, deviceKey, recovery, p.Metadata)
	if err == nil {
		err = scope.Commit(ctx)
	}
	if err != nil {
		e.state = snapshot
		if restoreErr := e.device.setFactor(x, previous); restoreErr != nil {
			e.logger.WarnContext(ctx, "failed to restore device factor", logger.Error(restoreErr))
		}
		return "", fmt.Errorf("mpc: enable mfa: %w", err)
	}

	e.createSession(ctx)
	e.logger.InfoContext(ctx, "mfa enabled", logger.Bool("recoveryFactor", recoveryFactor))
	if recovery == nil {
		return "", nil
	}
	return curve.HexScalar(recovery), nil
}

func (e *Engine) enableMFA(ctx context.Context, hashed, deviceKey, recovery *big.Int, meta map[string]string) error {
	if err := e.createFactor(ctx, tss.ShareDevice, deviceKey, ModuleDevice, meta); err != nil {
		return err
	}
	if err := e.device.setFactor(accountX(e.state.MetadataPubKey), deviceKey); err != nil {
		return err
	}
	if err := e.inputFactor(ctx, deviceKey, false); err != nil {
		return err
	}
	if err := e.deleteFactor(ctx, metadata.StoreKey(hashed), hashed); err != nil {
		return err
	}
	if recovery != nil {
		if err := e.createFactor(ctx, tss.ShareRecovery, recovery, ModuleRecovery, nil); err != nil {
			return err
		}
	}
	return nil
}
