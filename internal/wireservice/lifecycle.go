package wireservice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/backend"
	"github.com/gwillem/wire-go/internal/message"
	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
)

const (
	syncBatchSize    = 1000
	groupConvChannel = "channel"
	protocolMLS      = "mls"
)

// Lifecycle is the conversation API for the local user. Precondition
// violations return *ForbiddenError, *NotFoundError or
// *InvalidRequestError and leave all state untouched.
type Lifecycle struct {
	*core
}

// CreateGroup creates a group conversation, optionally owned by team, and
// adds whichever members key packages could be claimed for.
func (l *Lifecycle) CreateGroup(ctx context.Context, name string, team *model.TeamID, members []model.QualifiedID) (*model.Conversation, ClaimResult, error) {
	req := backend.NewConversation{Name: name}
	if team != nil {
		req.Team = &backend.TeamInfo{TeamID: uuid.UUID(*team)}
	}
	return l.create(ctx, "create group", req, members)
}

// CreateChannel creates a channel. Channels belong to a team.
func (l *Lifecycle) CreateChannel(ctx context.Context, name string, team model.TeamID, members []model.QualifiedID) (*model.Conversation, ClaimResult, error) {
	if team == (model.TeamID{}) {
		return nil, ClaimResult{}, &InvalidRequestError{Op: "create channel", Reason: "team required"}
	}
	req := backend.NewConversation{
		Name:          name,
		Team:          &backend.TeamInfo{TeamID: uuid.UUID(team)},
		GroupConvType: groupConvChannel,
	}
	return l.create(ctx, "create channel", req, members)
}

func (l *Lifecycle) create(ctx context.Context, op string, req backend.NewConversation, members []model.QualifiedID) (*model.Conversation, ClaimResult, error) {
	users := l.dedupe(members)
	remote, err := l.gateway.CreateConversation(ctx, req)
	if err != nil {
		return nil, ClaimResult{}, fmt.Errorf("%s: %w", op, err)
	}
	conv, self := remote.Record()
	if len(conv.GroupID) == 0 {
		return nil, ClaimResult{}, fmt.Errorf("%s: backend returned no group id", op)
	}

	unlock := l.locks.lock(conv.ID)
	defer unlock()
	res, err := l.establisher.EstablishGroup(ctx, conv.GroupID, users, l.externalSenders)
	if err != nil {
		return nil, res, fmt.Errorf("%s: %w", op, err)
	}
	stored := self
	for _, u := range res.Succeeded {
		stored = append(stored, model.Member{ConversationID: conv.ID, UserID: u, Role: model.RoleMember})
	}
	if err := l.persist(&conv, stored); err != nil {
		return nil, res, fmt.Errorf("%s: %w", op, err)
	}
	l.logger.Info().Str("conversation", conv.ID.String()).Int("added", len(res.Succeeded)).
		Int("failed", len(res.Failed)).Msg("conversation created")
	return &conv, res, nil
}

// CreateOneToOne returns the one-to-one conversation with user,
// establishing its group on first use.
func (l *Lifecycle) CreateOneToOne(ctx context.Context, user model.QualifiedID) (*model.Conversation, error) {
	if user == l.self {
		return nil, &InvalidRequestError{Op: "create one-to-one", Reason: "cannot talk to self"}
	}
	remote, err := l.gateway.FetchOneToOne(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("create one-to-one: %w", err)
	}
	id := remote.QualifiedID

	unlock := l.locks.lock(id)
	defer unlock()
	if conv, err := l.store.GetConversation(id); err != nil {
		return nil, err
	} else if conv.Established() {
		if ok, _ := l.engine.GroupExists(ctx, conv.GroupID); ok {
			return conv, nil
		}
	}
	conv, _, err := l.establishConversation(ctx, id, directOnly)
	if err != nil {
		return nil, fmt.Errorf("create one-to-one: %w", err)
	}
	return conv, nil
}

// AddMembers adds users to an established conversation in one commit.
// Users without claimable key packages are reported as failed.
func (l *Lifecycle) AddMembers(ctx context.Context, id model.QualifiedID, users []model.QualifiedID) (ClaimResult, error) {
	const op = "add members"
	conv, self, err := l.load(op, id, true)
	if err != nil {
		return ClaimResult{}, err
	}
	if conv.Kind == model.KindOneToOne || conv.Kind == model.KindSelf {
		return ClaimResult{}, &ForbiddenError{Op: op, Conversation: id, Reason: "conversation is " + conv.Kind.String()}
	}
	if self == nil {
		return ClaimResult{}, &ForbiddenError{Op: op, Conversation: id, Reason: "not a member"}
	}
	users = l.dedupe(users)
	if len(users) == 0 {
		return ClaimResult{}, &InvalidRequestError{Op: op, Reason: "no users"}
	}

	unlock := l.locks.lock(id)
	defer unlock()
	res, packages := l.establisher.claimAll(ctx, users)
	if len(packages) == 0 {
		return res, nil
	}
	if err := l.engine.AddMembers(ctx, conv.GroupID, packages); err != nil {
		return res, fmt.Errorf("%s %s: %w", op, id, err)
	}
	added := make([]model.Member, len(res.Succeeded))
	for i, u := range res.Succeeded {
		added[i] = model.Member{ConversationID: id, UserID: u, Role: model.RoleMember}
	}
	if err := l.store.SaveMembers(added); err != nil {
		return res, err
	}
	return res, nil
}

// RemoveMembers removes every client of users from the group. Only admins
// may remove.
func (l *Lifecycle) RemoveMembers(ctx context.Context, id model.QualifiedID, users []model.QualifiedID) error {
	const op = "remove members"
	conv, self, err := l.load(op, id, true)
	if err != nil {
		return err
	}
	if conv.Kind == model.KindOneToOne || conv.Kind == model.KindSelf {
		return &ForbiddenError{Op: op, Conversation: id, Reason: "conversation is " + conv.Kind.String()}
	}
	if self == nil || self.Role != model.RoleAdmin {
		return &ForbiddenError{Op: op, Conversation: id, Reason: "admin role required"}
	}
	if len(users) == 0 || slices.Contains(users, l.self) {
		return &InvalidRequestError{Op: op, Reason: "users must be non-empty and exclude self"}
	}

	unlock := l.locks.lock(id)
	defer unlock()
	members, err := l.engine.Members(ctx, conv.GroupID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	var clients []mls.ClientID
	for _, c := range members {
		if u, ok := c.User(); ok && slices.Contains(users, u) {
			clients = append(clients, c)
		}
	}
	if len(clients) > 0 {
		if err := l.engine.RemoveMembers(ctx, conv.GroupID, clients); err != nil {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
	}
	return l.store.DeleteMembers(id, users)
}

// LeaveConversation leaves a conversation the local user is a member of.
// One-to-one conversations cannot be left.
func (l *Lifecycle) LeaveConversation(ctx context.Context, id model.QualifiedID) error {
	const op = "leave conversation"
	conv, self, err := l.load(op, id, false)
	if err != nil {
		return err
	}
	if conv.Kind == model.KindOneToOne || conv.Kind == model.KindSelf {
		return &ForbiddenError{Op: op, Conversation: id, Reason: "conversation is " + conv.Kind.String()}
	}
	if self == nil {
		return &ForbiddenError{Op: op, Conversation: id, Reason: "not a member"}
	}
	if err := l.gateway.LeaveConversation(ctx, l.self, id); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return l.dropConversation(ctx, id)
}

// DeleteConversation deletes a team conversation for everyone. Only
// admins may delete.
func (l *Lifecycle) DeleteConversation(ctx context.Context, id model.QualifiedID) error {
	const op = "delete conversation"
	conv, self, err := l.load(op, id, false)
	if err != nil {
		return err
	}
	if conv.TeamID == nil {
		return &InvalidRequestError{Op: op, Reason: "only team conversations can be deleted"}
	}
	if self == nil || self.Role != model.RoleAdmin {
		return &ForbiddenError{Op: op, Conversation: id, Reason: "admin role required"}
	}
	if err := l.gateway.DeleteConversation(ctx, *conv.TeamID, id); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return l.dropConversation(ctx, id)
}

// SendMessage encrypts m for conversation id and posts it. An empty
// m.Metadata().ID is replaced by a fresh id.
func (l *Lifecycle) SendMessage(ctx context.Context, id model.QualifiedID, m message.Message) error {
	const op = "send message"
	conv, err := l.store.GetConversation(id)
	if err != nil {
		return err
	}
	if conv == nil {
		return &NotFoundError{Op: op, Conversation: id}
	}
	if !conv.Established() {
		return &InvalidRequestError{Op: op, Reason: "conversation " + id.String() + " is not established"}
	}
	plaintext, err := message.Encode(m)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	unlock := l.locks.lock(id)
	defer unlock()
	ciphertext, err := l.engine.Encrypt(ctx, conv.GroupID, plaintext)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if err := l.gateway.SendMessage(ctx, ciphertext); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return nil
}

// SyncConversations upserts every MLS conversation the backend lists for
// the local user. A group handle is only kept when the group exists
// locally, so Reestablish picks up the rest.
func (l *Lifecycle) SyncConversations(ctx context.Context) (int, error) {
	ids, err := l.gateway.FetchConversationIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync conversations: %w", err)
	}
	synced := 0
	for batch := range slices.Chunk(ids, syncBatchSize) {
		res, err := l.gateway.FetchConversationsByID(ctx, batch)
		if err != nil {
			return synced, fmt.Errorf("sync conversations: %w", err)
		}
		for i := range res.Found {
			remote := &res.Found[i]
			if remote.Protocol != protocolMLS {
				continue
			}
			conv, members := remote.Record()
			if len(conv.GroupID) > 0 {
				if ok, err := l.engine.GroupExists(ctx, conv.GroupID); err != nil || !ok {
					conv.GroupID = nil
				}
			}
			if err := l.persist(&conv, members); err != nil {
				return synced, fmt.Errorf("sync conversations: %w", err)
			}
			synced++
		}
		if len(res.Failed) > 0 {
			l.logger.Warn().Int("failed", len(res.Failed)).Msg("some conversations could not be fetched")
		}
	}
	return synced, nil
}

// Reestablish brings every stored conversation whose group is missing
// locally back into group state and rejoins groups whose local epoch fell
// behind the backend. Failures are logged per conversation and counted.
func (l *Lifecycle) Reestablish(ctx context.Context) (failed int, err error) {
	ids, err := l.store.ListConversationIDs()
	if err != nil {
		return 0, fmt.Errorf("reestablish: %w", err)
	}
	start := time.Now()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if err := l.reestablish(ctx, id); err != nil {
			failed++
			l.logger.Warn().Err(err).Str("conversation", id.String()).Msg("reestablish failed")
		}
	}
	l.logger.Info().Int("conversations", len(ids)).Int("failed", failed).
		Dur("took", time.Since(start)).Msg("reestablish done")
	return failed, nil
}

func (l *Lifecycle) reestablish(ctx context.Context, id model.QualifiedID) error {
	unlock := l.locks.lock(id)
	defer unlock()
	conv, err := l.store.GetConversation(id)
	if err != nil || conv == nil {
		return err
	}
	if conv.Established() {
		exists, err := l.engine.GroupExists(ctx, conv.GroupID)
		if err != nil {
			return err
		}
		if exists {
			return l.fallback.VerifyConversationOutOfSync(ctx, conv.GroupID, id)
		}
	}
	_, _, err = l.establishConversation(ctx, id, directOnly)
	if errors.Is(err, errNotEstablishable) {
		return nil
	}
	return err
}

// load returns the stored conversation and the local user's membership,
// nil when not a member. Unknown conversations are rejected, and so are
// unestablished ones when established is set.
func (l *Lifecycle) load(op string, id model.QualifiedID, established bool) (*model.Conversation, *model.Member, error) {
	conv, err := l.store.GetConversation(id)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, &NotFoundError{Op: op, Conversation: id}
	}
	members, err := l.store.GetMembers(id)
	if err != nil {
		return nil, nil, err
	}
	var self *model.Member
	for i := range members {
		if members[i].UserID == l.self {
			self = &members[i]
			break
		}
	}
	if established && !conv.Established() {
		return nil, nil, &InvalidRequestError{Op: op, Reason: "conversation " + id.String() + " is not established"}
	}
	return conv, self, nil
}

// dedupe drops self and repeated users, keeping order.
func (l *Lifecycle) dedupe(users []model.QualifiedID) []model.QualifiedID {
	out := make([]model.QualifiedID, 0, len(users))
	for _, u := range users {
		if u != l.self && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
