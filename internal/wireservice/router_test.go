package wireservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gwillem/wire-go/internal/message"
	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
	"github.com/gwillem/wire-go/internal/notification"
)

func meta(conv, sender model.QualifiedID) notification.Meta {
	return notification.Meta{NotificationID: "n-1", ConversationID: conv, SenderID: sender, Time: time.Now()}
}

// joinedGroup has alice create a group, add the harness user by welcome and
// route that welcome. It returns the conversation id and group.
func joinedGroup(t *testing.T, h *harness, alice *peer) (model.QualifiedID, mls.GroupID) {
	t.Helper()
	ctx := context.Background()
	conv := newUser()
	group := mls.GroupID("group-" + conv.ID.String())

	require.NoError(t, alice.mem.CreateGroup(ctx, group, nil))
	kps, err := h.mem.GenerateKeyPackages(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, alice.mem.AddMembers(ctx, group, kps))

	epoch, err := alice.mem.Epoch(ctx, group)
	require.NoError(t, err)
	h.gateway.setConversation(backendConversation(conv, group, epoch, h.self, "wire_member", alice.id))

	h.svc.Router.Route(ctx, &notification.MlsWelcome{
		Meta:    meta(conv, alice.id),
		Welcome: alice.ds.last().Welcome,
	})
	return conv, group
}

func TestMemberJoinedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := newUser()
	a, b := newUser(), newUser()

	n := &notification.MemberJoined{
		Meta: meta(conv, a),
		Users: []notification.JoinedUser{
			{ID: a, Role: model.RoleAdmin},
			{ID: b, Role: model.RoleMember},
		},
	}
	h.svc.Router.Route(ctx, n)
	once, err := h.store.GetMembers(conv)
	require.NoError(t, err)

	h.svc.Router.Route(ctx, n)
	twice, err := h.store.GetMembers(conv)
	require.NoError(t, err)

	require.Len(t, twice, 2)
	require.ElementsMatch(t, once, twice)
	require.Len(t, h.handler.added, 2)
}

func TestMemberLeftDeletesMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := newUser()
	a, b := newUser(), newUser()

	require.NoError(t, h.store.SaveMembers([]model.Member{
		{ConversationID: conv, UserID: a},
		{ConversationID: conv, UserID: b},
	}))
	h.svc.Router.Route(ctx, &notification.MemberLeft{Meta: meta(conv, a), Users: []model.QualifiedID{a}})

	members, err := h.store.GetMembers(conv)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, b, members[0].UserID)
	require.Equal(t, [][]model.QualifiedID{{a}}, h.handler.left)
}

func TestWelcomePersistsConversation(t *testing.T) {
	h := newHarness(t)
	alice := newPeer()
	conv, group := joinedGroup(t, h, alice)

	stored, err := h.store.GetConversation(conv)
	require.NoError(t, err)
	require.True(t, stored.Established())
	require.Equal(t, []byte(group), stored.GroupID)

	members, err := h.store.GetMembers(conv)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Len(t, h.handler.joined, 1)

	// The welcome consumed the only key package, so a batch was uploaded.
	require.Len(t, h.gateway.uploaded, 4)
}

func TestOrphanWelcomeJoinsByExternalCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, stranger := newPeer(), newPeer()
	conv := newUser()
	group := mls.GroupID("orphaned")

	require.NoError(t, alice.mem.CreateGroup(ctx, group, nil))
	kps, err := stranger.mem.GenerateKeyPackages(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, alice.mem.AddMembers(ctx, group, kps))
	welcome := alice.ds.last().Welcome

	h.gateway.setConversation(backendConversation(conv, group, 1, h.self, "wire_member", alice.id, stranger.id))
	h.gateway.groupInfos[conv] = func() ([]byte, error) { return alice.mem.GroupInfo(group) }

	h.svc.Router.Route(ctx, &notification.MlsWelcome{Meta: meta(conv, alice.id), Welcome: welcome})

	require.Equal(t, 1, h.engine.joinCount())
	stored, err := h.store.GetConversation(conv)
	require.NoError(t, err)
	require.Equal(t, []byte(group), stored.GroupID)
	members, err := h.store.GetMembers(conv)
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Len(t, h.handler.joined, 1)
}

func TestMessageDispatchedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newPeer()
	conv, group := joinedGroup(t, h, alice)

	plaintext, err := message.Encode(&message.Text{Text: "hello"})
	require.NoError(t, err)
	ct, err := alice.mem.Encrypt(ctx, group, plaintext)
	require.NoError(t, err)

	n := &notification.MlsMessage{Meta: meta(conv, alice.id), Ciphertext: ct}
	h.svc.Router.Route(ctx, n)
	require.Equal(t, 1, h.handler.textCount())
	require.Equal(t, "hello", h.handler.texts[0].Text)
	require.Equal(t, conv, h.handler.texts[0].ConversationID)
	require.Equal(t, alice.id, h.handler.texts[0].Sender)

	// A replay fails to decrypt and is dropped; the group is in sync so no
	// rejoin happens.
	h.svc.Router.Route(ctx, n)
	require.Equal(t, 1, h.handler.textCount())
	require.Equal(t, 0, h.engine.joinCount())
}

func TestCommitOnlyMessageIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newPeer()
	conv, group := joinedGroup(t, h, alice)

	require.NoError(t, alice.mem.UpdateKeyingMaterial(ctx, group))
	commit := alice.ds.last().Commit

	h.svc.Router.Route(ctx, &notification.MlsMessage{Meta: meta(conv, alice.id), Ciphertext: commit})
	require.Equal(t, 0, h.handler.textCount())

	ours, err := h.mem.Epoch(ctx, group)
	require.NoError(t, err)
	theirs, err := alice.mem.Epoch(ctx, group)
	require.NoError(t, err)
	require.Equal(t, theirs, ours)
}

func TestSubconversationMessageSkipped(t *testing.T) {
	h := newHarness(t)
	conv := newUser()
	h.svc.Router.Route(context.Background(), &notification.MlsMessage{
		Meta:            meta(conv, newUser()),
		Ciphertext:      []byte{1},
		Subconversation: "conference",
	})
	require.Zero(t, h.gateway.fetchCounts[conv])
}

func TestMessageForUnknownConversationEstablishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newPeer()
	conv := newUser()
	group := mls.GroupID("late-join")

	require.NoError(t, alice.mem.CreateGroup(ctx, group, nil))
	require.NoError(t, alice.mem.UpdateKeyingMaterial(ctx, group))
	ct, err := alice.mem.Encrypt(ctx, group, []byte("lost"))
	require.NoError(t, err)

	h.gateway.setConversation(backendConversation(conv, group, 1, h.self, "wire_member", alice.id))
	h.gateway.groupInfos[conv] = func() ([]byte, error) { return alice.mem.GroupInfo(group) }

	h.svc.Router.Route(ctx, &notification.MlsMessage{Meta: meta(conv, alice.id), Ciphertext: ct})

	stored, err := h.store.GetConversation(conv)
	require.NoError(t, err)
	require.True(t, stored.Established())
	exists, err := h.mem.GroupExists(ctx, group)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestConversationDeletedWipesGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newPeer()
	conv, group := joinedGroup(t, h, alice)

	h.svc.Router.Route(ctx, &notification.ConversationDeleted{Meta: meta(conv, alice.id)})

	stored, err := h.store.GetConversation(conv)
	require.NoError(t, err)
	require.Nil(t, stored)
	members, err := h.store.GetMembers(conv)
	require.NoError(t, err)
	require.Empty(t, members)
	exists, err := h.mem.GroupExists(ctx, group)
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, []model.QualifiedID{conv}, h.handler.deleted)
}

func TestSelfRemovedDropsConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newPeer()
	conv, _ := joinedGroup(t, h, alice)

	h.svc.Router.Route(ctx, &notification.MemberLeft{Meta: meta(conv, alice.id), Users: []model.QualifiedID{h.self}})

	stored, err := h.store.GetConversation(conv)
	require.NoError(t, err)
	require.Nil(t, stored)
	require.Len(t, h.handler.left, 1)
}

func TestTeamInvite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	team := model.TeamID(newUser().ID)

	h.svc.Router.Route(ctx, &notification.TeamInvite{Meta: meta(model.QualifiedID{}, newUser()), TeamID: team})
	teams, err := h.store.ListTeams()
	require.NoError(t, err)
	require.Equal(t, []model.TeamID{team}, teams)
}

func TestTeamInviteFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.gateway.confirmErr = errors.New("forbidden")
	team := model.TeamID(newUser().ID)

	h.svc.Router.Route(context.Background(), &notification.TeamInvite{Meta: meta(model.QualifiedID{}, newUser()), TeamID: team})
	teams, err := h.store.ListTeams()
	require.NoError(t, err)
	require.Empty(t, teams)
}
