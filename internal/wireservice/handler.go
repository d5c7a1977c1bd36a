package wireservice

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/message"
	"github.com/gwillem/wire-go/internal/model"
)

// Handler receives everything the event stream produces. Methods run on
// the dispatcher, never on the read loop: a slow method delays later events
// of the same conversation only.
//
// Embed BaseHandler to implement only what you need.
type Handler interface {
	OnConversationJoined(ctx context.Context, conv model.Conversation, members []model.Member)
	OnConversationDeleted(ctx context.Context, conv model.QualifiedID)
	OnMembersJoined(ctx context.Context, conv model.QualifiedID, members []model.Member)
	OnMembersLeft(ctx context.Context, conv model.QualifiedID, users []model.QualifiedID)

	OnText(ctx context.Context, m *message.Text)
	OnAsset(ctx context.Context, m *message.Asset)
	OnComposite(ctx context.Context, m *message.Composite)
	OnButtonAction(ctx context.Context, m *message.ButtonAction)
	OnButtonActionConfirmation(ctx context.Context, m *message.ButtonActionConfirmation)
	OnPing(ctx context.Context, m *message.Ping)
	OnLocation(ctx context.Context, m *message.Location)
	OnDeleted(ctx context.Context, m *message.Deleted)
	OnReceipt(ctx context.Context, m *message.Receipt)
	OnReaction(ctx context.Context, m *message.Reaction)
	OnInCallEmoji(ctx context.Context, m *message.InCallEmoji)
	OnInCallHandRaise(ctx context.Context, m *message.InCallHandRaise)
	OnEditedText(ctx context.Context, m *message.EditedText)
	OnEditedComposite(ctx context.Context, m *message.EditedComposite)
}

// BaseHandler ignores every event.
type BaseHandler struct{}

var _ Handler = BaseHandler{}

func (BaseHandler) OnConversationJoined(context.Context, model.Conversation, []model.Member)      {}
func (BaseHandler) OnConversationDeleted(context.Context, model.QualifiedID)                      {}
func (BaseHandler) OnMembersJoined(context.Context, model.QualifiedID, []model.Member)            {}
func (BaseHandler) OnMembersLeft(context.Context, model.QualifiedID, []model.QualifiedID)         {}
func (BaseHandler) OnText(context.Context, *message.Text)                                         {}
func (BaseHandler) OnAsset(context.Context, *message.Asset)                                       {}
func (BaseHandler) OnComposite(context.Context, *message.Composite)                               {}
func (BaseHandler) OnButtonAction(context.Context, *message.ButtonAction)                         {}
func (BaseHandler) OnButtonActionConfirmation(context.Context, *message.ButtonActionConfirmation) {}
func (BaseHandler) OnPing(context.Context, *message.Ping)                                         {}
func (BaseHandler) OnLocation(context.Context, *message.Location)                                 {}
func (BaseHandler) OnDeleted(context.Context, *message.Deleted)                                   {}
func (BaseHandler) OnReceipt(context.Context, *message.Receipt)                                   {}
func (BaseHandler) OnReaction(context.Context, *message.Reaction)                                 {}
func (BaseHandler) OnInCallEmoji(context.Context, *message.InCallEmoji)                           {}
func (BaseHandler) OnInCallHandRaise(context.Context, *message.InCallHandRaise)                   {}
func (BaseHandler) OnEditedText(context.Context, *message.EditedText)                             {}
func (BaseHandler) OnEditedComposite(context.Context, *message.EditedComposite)                   {}

// messageDispatch routes one decoded message to exactly one handler
// method.
type messageDispatch struct {
	ctx    context.Context
	h      Handler
	logger zerolog.Logger
}

var _ message.Visitor = messageDispatch{}

func (d messageDispatch) VisitText(m *message.Text)                                         { d.h.OnText(d.ctx, m) }
func (d messageDispatch) VisitAsset(m *message.Asset)                                       { d.h.OnAsset(d.ctx, m) }
func (d messageDispatch) VisitComposite(m *message.Composite)                               { d.h.OnComposite(d.ctx, m) }
func (d messageDispatch) VisitButtonAction(m *message.ButtonAction)                         { d.h.OnButtonAction(d.ctx, m) }
func (d messageDispatch) VisitButtonActionConfirmation(m *message.ButtonActionConfirmation) { d.h.OnButtonActionConfirmation(d.ctx, m) }
func (d messageDispatch) VisitPing(m *message.Ping)                                         { d.h.OnPing(d.ctx, m) }
func (d messageDispatch) VisitLocation(m *message.Location)                                 { d.h.OnLocation(d.ctx, m) }
func (d messageDispatch) VisitDeleted(m *message.Deleted)                                   { d.h.OnDeleted(d.ctx, m) }
func (d messageDispatch) VisitReceipt(m *message.Receipt)                                   { d.h.OnReceipt(d.ctx, m) }
func (d messageDispatch) VisitReaction(m *message.Reaction)                                 { d.h.OnReaction(d.ctx, m) }
func (d messageDispatch) VisitInCallEmoji(m *message.InCallEmoji)                           { d.h.OnInCallEmoji(d.ctx, m) }
func (d messageDispatch) VisitInCallHandRaise(m *message.InCallHandRaise)                   { d.h.OnInCallHandRaise(d.ctx, m) }
func (d messageDispatch) VisitEditedText(m *message.EditedText)                             { d.h.OnEditedText(d.ctx, m) }
func (d messageDispatch) VisitEditedComposite(m *message.EditedComposite)                   { d.h.OnEditedComposite(d.ctx, m) }

func (d messageDispatch) VisitIgnored(m *message.Ignored) {
	d.logger.Debug().Str("message", m.ID).Str("reason", m.Reason).Msg("message ignored")
}
