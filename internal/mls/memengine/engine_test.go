package memengine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gwillem/wire-go/internal/mls"
)

// recorder is a commit transport that keeps every bundle.
type recorder struct {
	mu      sync.Mutex
	bundles []mls.CommitBundle
	err     error
}

func (r *recorder) SendCommitBundle(ctx context.Context, b mls.CommitBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.bundles = append(r.bundles, b)
	return nil
}

func (r *recorder) last() mls.CommitBundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bundles[len(r.bundles)-1]
}

func TestWelcomeThenMessage(t *testing.T) {
	ctx := context.Background()
	tr := &recorder{}
	alice := New("alice:1@example.com", WithTransport(tr))
	bob := New("bob:1@example.com")

	group := mls.GroupID("group-1")
	require.NoError(t, alice.CreateGroup(ctx, group, nil))

	kps, err := bob.GenerateKeyPackages(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, alice.AddMembers(ctx, group, kps[:1]))

	welcome := tr.last().Welcome
	require.NotNil(t, welcome)

	joined, err := bob.ProcessWelcome(ctx, welcome)
	require.NoError(t, err)
	require.Equal(t, group, joined)
	require.Equal(t, 1, bob.KeyPackageCount())

	aliceEpoch, _ := alice.Epoch(ctx, group)
	bobEpoch, _ := bob.Epoch(ctx, group)
	require.Equal(t, aliceEpoch, bobEpoch)

	ct, err := alice.Encrypt(ctx, group, []byte("hello"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(ctx, group, ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestDecryptIsSingleUse(t *testing.T) {
	ctx := context.Background()
	alice, bob, group := pair(t)

	ct, err := alice.Encrypt(ctx, group, []byte("once"))
	require.NoError(t, err)

	_, err = bob.Decrypt(ctx, group, ct)
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, group, ct)
	require.ErrorIs(t, err, ErrGenerationConsumed)
}

func TestCommitDecryptsToNil(t *testing.T) {
	ctx := context.Background()
	tr := &recorder{}
	alice := New("alice:1@example.com", WithTransport(tr))
	bob := New("bob:1@example.com")
	group := mls.GroupID("group-commit")
	require.NoError(t, alice.CreateGroup(ctx, group, nil))
	kps, _ := bob.GenerateKeyPackages(ctx, 1)
	require.NoError(t, alice.AddMembers(ctx, group, kps))
	_, err := bob.ProcessWelcome(ctx, tr.last().Welcome)
	require.NoError(t, err)

	require.NoError(t, alice.UpdateKeyingMaterial(ctx, group))
	pt, err := bob.Decrypt(ctx, group, tr.last().Commit)
	require.NoError(t, err)
	require.Nil(t, pt)

	aliceEpoch, _ := alice.Epoch(ctx, group)
	bobEpoch, _ := bob.Epoch(ctx, group)
	require.Equal(t, uint64(2), aliceEpoch)
	require.Equal(t, aliceEpoch, bobEpoch)
}

func TestMessageFromOtherEpochFails(t *testing.T) {
	ctx := context.Background()
	alice, bob, group := pair(t)

	require.NoError(t, alice.UpdateKeyingMaterial(ctx, group))
	ct, err := alice.Encrypt(ctx, group, []byte("from the future"))
	require.NoError(t, err)

	_, err = bob.Decrypt(ctx, group, ct)
	require.ErrorIs(t, err, ErrWrongEpoch)
}

func TestOrphanWelcome(t *testing.T) {
	ctx := context.Background()
	tr := &recorder{}
	alice := New("alice:1@example.com", WithTransport(tr))
	bob := New("bob:1@example.com")
	group := mls.GroupID("group-orphan")
	require.NoError(t, alice.CreateGroup(ctx, group, nil))

	kps, _ := bob.GenerateKeyPackages(ctx, 1)
	require.NoError(t, alice.AddMembers(ctx, group, kps))
	welcome := tr.last().Welcome

	_, err := bob.ProcessWelcome(ctx, welcome)
	require.NoError(t, err)
	// The key package is consumed now.
	_, err = bob.ProcessWelcome(ctx, welcome)
	require.ErrorIs(t, err, mls.ErrOrphanWelcome)
	var orphan *mls.OrphanWelcomeError
	require.True(t, errors.As(err, &orphan))
}

func TestExternalCommitJoin(t *testing.T) {
	ctx := context.Background()
	tr := &recorder{}
	alice := New("alice:1@example.com", WithTransport(tr))
	carol := New("carol:1@example.com", WithTransport(tr))
	group := mls.GroupID("group-external")
	require.NoError(t, alice.CreateGroup(ctx, group, nil))

	info, err := alice.GroupInfo(group)
	require.NoError(t, err)
	joined, err := carol.JoinByExternalCommit(ctx, info)
	require.NoError(t, err)
	require.Equal(t, group, joined)

	// Alice processes the external commit and both are in step.
	pt, err := alice.Decrypt(ctx, group, tr.last().Commit)
	require.NoError(t, err)
	require.Nil(t, pt)

	ct, err := carol.Encrypt(ctx, group, []byte("joined"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(ctx, group, ct)
	require.NoError(t, err)
	require.Equal(t, "joined", string(pt))
}

func TestFailedCommitIsNotMerged(t *testing.T) {
	ctx := context.Background()
	tr := &recorder{err: errors.New("backend down")}
	alice := New("alice:1@example.com", WithTransport(tr))
	group := mls.GroupID("group-fail")
	require.NoError(t, alice.CreateGroup(ctx, group, nil))

	require.Error(t, alice.UpdateKeyingMaterial(ctx, group))
	epoch, err := alice.Epoch(ctx, group)
	require.NoError(t, err)
	require.Zero(t, epoch)
}

func TestLowKeyPackageSupply(t *testing.T) {
	ctx := context.Background()
	e := New("bot:1@example.com", WithLowWaterMark(3))

	low, err := e.LowKeyPackageSupply(ctx)
	require.NoError(t, err)
	require.True(t, low)

	_, err = e.GenerateKeyPackages(ctx, 3)
	require.NoError(t, err)
	low, _ = e.LowKeyPackageSupply(ctx)
	require.False(t, low)
}

func TestWipeGroup(t *testing.T) {
	ctx := context.Background()
	e := New("bot:1@example.com")
	group := mls.GroupID("group-wipe")
	require.NoError(t, e.CreateGroup(ctx, group, nil))
	require.NoError(t, e.WipeGroup(ctx, group))

	ok, err := e.GroupExists(ctx, group)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = e.Epoch(ctx, group)
	require.ErrorIs(t, err, mls.ErrGroupNotFound)
}

// pair returns alice and bob sharing a group at epoch 1.
func pair(t *testing.T) (alice, bob *Engine, group mls.GroupID) {
	t.Helper()
	ctx := context.Background()
	tr := &recorder{}
	alice = New("alice:1@example.com", WithTransport(tr))
	bob = New("bob:1@example.com")
	group = mls.GroupID("group-" + t.Name())
	require.NoError(t, alice.CreateGroup(ctx, group, nil))
	kps, err := bob.GenerateKeyPackages(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, alice.AddMembers(ctx, group, kps))
	_, err = bob.ProcessWelcome(ctx, tr.last().Welcome)
	require.NoError(t, err)
	return alice, bob, group
}
