package wireservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
)

const maxConcurrentClaims = 8

// errNoKeyPackages is recorded for users whose claim returned nothing.
var errNoKeyPackages = errors.New("no key packages available")

// RetryPolicy controls key-package claim retries. The zero value claims
// once.
type RetryPolicy struct {
	// Attempts is the number of retries after the first claim.
	Attempts int
	// Delay is the pause between attempts.
	Delay time.Duration
}

// ClaimResult partitions the users of one establishment.
type ClaimResult struct {
	Succeeded []model.QualifiedID
	Failed    []model.QualifiedID
	// Errors holds the claim error per failed user.
	Errors map[model.QualifiedID]error
}

// Establisher creates a group and adds whoever it can claim key packages
// for. Lifecycle operations and the router's recovery path share it.
type Establisher struct {
	engine  mls.Engine
	gateway Gateway
	suite   mls.CipherSuite
	retry   RetryPolicy
	logger  zerolog.Logger
}

// EstablishGroup creates group locally, claims one key package per client
// of each member and commits them in one add. With nothing claimed it
// commits a keying-material update instead, so the group always reaches
// epoch 1. Claim failures are reported in the result, not as an error.
func (e *Establisher) EstablishGroup(ctx context.Context, group mls.GroupID, members []model.QualifiedID, externalSenders [][]byte) (ClaimResult, error) {
	if err := e.engine.CreateGroup(ctx, group, externalSenders); err != nil {
		return ClaimResult{}, fmt.Errorf("establish %s: create group: %w", group, err)
	}

	res, packages := e.claimAll(ctx, members)
	if len(packages) == 0 {
		if err := e.engine.UpdateKeyingMaterial(ctx, group); err != nil {
			return res, fmt.Errorf("establish %s: update keying material: %w", group, err)
		}
		return res, nil
	}
	if err := e.engine.AddMembers(ctx, group, packages); err != nil {
		return res, fmt.Errorf("establish %s: add members: %w", group, err)
	}
	return res, nil
}

// claimAll claims key packages for every user concurrently. Failures are
// isolated per user. Result order follows members.
func (e *Establisher) claimAll(ctx context.Context, members []model.QualifiedID) (ClaimResult, []mls.KeyPackage) {
	claimed := make([][]mls.KeyPackage, len(members))
	errs := make([]error, len(members))

	var g errgroup.Group
	g.SetLimit(maxConcurrentClaims)
	for i, user := range members {
		g.Go(func() error {
			claimed[i], errs[i] = e.claim(ctx, user)
			return nil
		})
	}
	g.Wait()

	var res ClaimResult
	var packages []mls.KeyPackage
	for i, user := range members {
		if errs[i] != nil {
			res.Failed = append(res.Failed, user)
			if res.Errors == nil {
				res.Errors = make(map[model.QualifiedID]error)
			}
			res.Errors[user] = errs[i]
			e.logger.Warn().Err(errs[i]).Str("user", user.String()).Msg("key package claim failed")
			continue
		}
		res.Succeeded = append(res.Succeeded, user)
		packages = append(packages, claimed[i]...)
	}
	return res, packages
}

func (e *Establisher) claim(ctx context.Context, user model.QualifiedID) ([]mls.KeyPackage, error) {
	var out []mls.KeyPackage
	op := func() error {
		kps, err := e.gateway.ClaimKeyPackage(ctx, user, e.suite)
		if err != nil {
			return err
		}
		if len(kps) == 0 {
			return errNoKeyPackages
		}
		out = kps
		return nil
	}
	var b backoff.BackOff = &backoff.StopBackOff{}
	if e.retry.Attempts > 0 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retry.Delay), uint64(e.retry.Attempts))
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
