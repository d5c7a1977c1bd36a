package wireservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
)

func TestEstablishGroupPartialClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := newPeer()
	b := newUser()
	h.gateway.claimFrom(a)

	group := mls.GroupID("partial")
	res, err := h.svc.Establisher().EstablishGroup(ctx, group, []model.QualifiedID{a.id, b}, nil)
	require.NoError(t, err)
	require.Equal(t, []model.QualifiedID{a.id}, res.Succeeded)
	require.Equal(t, []model.QualifiedID{b}, res.Failed)
	require.Contains(t, res.Errors, b)

	adds := h.engine.addCalls()
	require.Len(t, adds, 1)
	require.Len(t, adds[0], 1)

	// A's package is the one committed: A can join with the welcome.
	joined, err := a.mem.ProcessWelcome(ctx, h.ds.last().Welcome)
	require.NoError(t, err)
	require.Equal(t, group, joined)
}

func TestEstablishGroupWithoutClaimsRotatesKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := mls.GroupID("alone")

	res, err := h.svc.Establisher().EstablishGroup(ctx, group, []model.QualifiedID{newUser()}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 1)
	require.Empty(t, h.engine.addCalls())

	epoch, err := h.mem.Epoch(ctx, group)
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)
}

func TestEstablishGroupEmptyClaimFails(t *testing.T) {
	h := newHarness(t)
	user := newUser()
	h.gateway.claims[user] = func() ([]mls.KeyPackage, error) { return nil, nil }

	res, err := h.svc.Establisher().EstablishGroup(context.Background(), mls.GroupID("empty"), []model.QualifiedID{user}, nil)
	require.NoError(t, err)
	require.Equal(t, []model.QualifiedID{user}, res.Failed)
	require.ErrorIs(t, res.Errors[user], errNoKeyPackages)
}

func TestClaimRetryPolicy(t *testing.T) {
	h := newHarness(t)
	a := newPeer()
	calls := 0
	h.gateway.claims[a.id] = func() ([]mls.KeyPackage, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("temporarily unavailable")
		}
		return a.mem.GenerateKeyPackages(context.Background(), 1)
	}
	h.svc.establisher.retry = RetryPolicy{Attempts: 2, Delay: time.Millisecond}

	res, err := h.svc.Establisher().EstablishGroup(context.Background(), mls.GroupID("retry"), []model.QualifiedID{a.id}, nil)
	require.NoError(t, err)
	require.Equal(t, []model.QualifiedID{a.id}, res.Succeeded)
	require.Equal(t, 3, calls)
}

func TestClaimNoRetryByDefault(t *testing.T) {
	h := newHarness(t)
	user := newUser()
	calls := 0
	h.gateway.claims[user] = func() ([]mls.KeyPackage, error) {
		calls++
		return nil, errors.New("unavailable")
	}

	res, err := h.svc.Establisher().EstablishGroup(context.Background(), mls.GroupID("once"), []model.QualifiedID{user}, nil)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	require.Equal(t, 1, calls)
}

func TestEstablishGroupExistingFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := mls.GroupID("twice")
	require.NoError(t, h.mem.CreateGroup(ctx, group, nil))

	_, err := h.svc.Establisher().EstablishGroup(ctx, group, nil, nil)
	require.Error(t, err)
}
