package wireservice

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gwillem/wire-go/internal/message"
	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
	"github.com/gwillem/wire-go/internal/notification"
)

// Router applies one notification at a time to local state and invokes
// the handler. Notifications of one conversation must be routed in backend
// order; different conversations may be routed concurrently.
type Router struct {
	*core
	handler Handler
}

// Route applies n. Failures are logged, never returned: each notification
// stands alone.
func (r *Router) Route(ctx context.Context, n notification.Notification) {
	n.Accept(&routeVisitor{r: r, ctx: ctx})
}

// routeVisitor carries the context of one Route call through Accept.
type routeVisitor struct {
	r   *Router
	ctx context.Context
}

var _ notification.Visitor = (*routeVisitor)(nil)

func (v *routeVisitor) VisitTeamInvite(n *notification.TeamInvite) {
	log := v.r.logger.With().Str("team", n.TeamID.String()).Logger()
	if err := v.r.gateway.ConfirmTeamInvite(v.ctx, n.TeamID); err != nil {
		log.Warn().Err(err).Msg("confirm team invite failed")
		return
	}
	if err := v.r.store.SaveTeam(n.TeamID); err != nil {
		log.Error().Err(err).Msg("save team failed")
		return
	}
	log.Info().Msg("joined team")
}

func (v *routeVisitor) VisitConversationCreated(n *notification.ConversationCreated) {
	v.r.logger.Debug().Str("conversation", n.ConversationID.String()).
		Str("kind", n.Kind.String()).Msg("conversation created")
}

func (v *routeVisitor) VisitConversationDeleted(n *notification.ConversationDeleted) {
	if err := v.r.dropConversation(v.ctx, n.ConversationID); err != nil {
		v.r.logger.Error().Err(err).Str("conversation", n.ConversationID.String()).Msg("delete conversation failed")
		return
	}
	v.r.handler.OnConversationDeleted(v.ctx, n.ConversationID)
}

func (v *routeVisitor) VisitMemberJoined(n *notification.MemberJoined) {
	members := make([]model.Member, len(n.Users))
	for i, u := range n.Users {
		members[i] = model.Member{ConversationID: n.ConversationID, UserID: u.ID, Role: u.Role}
	}
	if err := v.r.store.SaveMembers(members); err != nil {
		v.r.logger.Error().Err(err).Str("conversation", n.ConversationID.String()).Msg("save members failed")
		return
	}
	v.r.handler.OnMembersJoined(v.ctx, n.ConversationID, members)
}

func (v *routeVisitor) VisitMemberLeft(n *notification.MemberLeft) {
	log := v.r.logger.With().Str("conversation", n.ConversationID.String()).Logger()
	if slices.Contains(n.Users, v.r.self) {
		if err := v.r.dropConversation(v.ctx, n.ConversationID); err != nil {
			log.Error().Err(err).Msg("drop conversation after removal failed")
			return
		}
		log.Info().Msg("removed from conversation")
	} else if err := v.r.store.DeleteMembers(n.ConversationID, n.Users); err != nil {
		log.Error().Err(err).Msg("delete members failed")
		return
	}
	v.r.handler.OnMembersLeft(v.ctx, n.ConversationID, n.Users)
}

func (v *routeVisitor) VisitMlsWelcome(n *notification.MlsWelcome) {
	log := v.r.logger.With().Str("conversation", n.ConversationID.String()).Logger()

	unlock := v.r.locks.lock(n.ConversationID)
	conv, members, err := v.r.acceptWelcome(v.ctx, n)
	unlock()
	if err != nil {
		log.Error().Err(err).Msg("welcome failed")
		return
	}
	if err := v.r.topUp.run(v.ctx); err != nil {
		log.Warn().Err(err).Msg("key package top-up failed")
	}
	log.Info().Msg("joined conversation")
	v.r.handler.OnConversationJoined(v.ctx, *conv, members)
}

func (v *routeVisitor) VisitMlsMessage(n *notification.MlsMessage) {
	log := v.r.logger.With().Str("conversation", n.ConversationID.String()).Logger()
	if n.Subconversation != "" {
		log.Debug().Str("subconversation", n.Subconversation).Msg("subconversation message skipped")
		return
	}

	unlock := v.r.locks.lock(n.ConversationID)
	msg, err := v.r.openMessage(v.ctx, n)
	unlock()
	if err != nil {
		log.Warn().Err(err).Msg("message dropped")
		return
	}
	if msg == nil {
		return
	}
	msg.Accept(messageDispatch{ctx: v.ctx, h: v.r.handler, logger: log})
}

func (v *routeVisitor) VisitUnknown(n *notification.Unknown) {
	v.r.logger.Debug().Str("type", n.Type).Str("notification", n.NotificationID).Msg("unknown event dropped")
}

// acceptWelcome joins the group a welcome admits us to. An orphan welcome
// is recovered by joining the same group by external commit.
func (r *Router) acceptWelcome(ctx context.Context, n *notification.MlsWelcome) (*model.Conversation, []model.Member, error) {
	group, err := r.engine.ProcessWelcome(ctx, n.Welcome)
	if errors.Is(err, mls.ErrOrphanWelcome) {
		r.logger.Warn().Err(err).Str("conversation", n.ConversationID.String()).Msg("orphan welcome, joining by external commit")
		group, err = r.fallback.rejoin(ctx, n.ConversationID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("welcome: %w", err)
	}

	remote, err := r.gateway.FetchConversation(ctx, n.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("welcome: fetch conversation: %w", err)
	}
	conv, members := remote.Record()
	conv.GroupID = group
	if err := r.persist(&conv, members); err != nil {
		return nil, nil, fmt.Errorf("welcome: %w", err)
	}
	return &conv, members, nil
}

// openMessage decrypts and decodes one message. It returns nil, nil for
// messages without application content. A decrypt failure triggers a
// resync and the message is lost.
func (r *Router) openMessage(ctx context.Context, n *notification.MlsMessage) (message.Message, error) {
	conv, err := r.store.GetConversation(n.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Established() {
		r.logger.Info().Str("conversation", n.ConversationID.String()).Msg("message for unestablished conversation, establishing")
		if conv, _, err = r.establishConversation(ctx, n.ConversationID, anyKind); err != nil {
			return nil, err
		}
	}

	plaintext, err := r.engine.Decrypt(ctx, conv.GroupID, n.Ciphertext)
	if err != nil {
		if verr := r.fallback.VerifyConversationOutOfSync(ctx, conv.GroupID, n.ConversationID); verr != nil {
			r.logger.Warn().Err(verr).Str("conversation", n.ConversationID.String()).Msg("resync failed")
		}
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if plaintext == nil {
		return nil, nil
	}

	meta := message.Meta{ConversationID: n.ConversationID, Sender: n.SenderID, Time: n.Time}
	return message.Decode(meta, plaintext)
}

// dropConversation wipes the group and deletes the record with its
// members.
func (c *core) dropConversation(ctx context.Context, id model.QualifiedID) error {
	unlock := c.locks.lock(id)
	defer unlock()
	conv, err := c.store.GetConversation(id)
	if err != nil {
		return err
	}
	if conv.Established() {
		if err := c.engine.WipeGroup(ctx, conv.GroupID); err != nil {
			return fmt.Errorf("wipe group %s: %w", id, err)
		}
	}
	return c.store.DeleteConversation(id)
}
