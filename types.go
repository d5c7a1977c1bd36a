package wire

import (
	"github.com/gwillem/wire-go/internal/message"
	"github.com/gwillem/wire-go/internal/model"
	"github.com/gwillem/wire-go/internal/wireservice"
)

// Records.
type (
	QualifiedID      = model.QualifiedID
	TeamID           = model.TeamID
	Conversation     = model.Conversation
	ConversationKind = model.ConversationKind
	Member           = model.Member
	Role             = model.Role
)

const (
	KindGroup    = model.KindGroup
	KindOneToOne = model.KindOneToOne
	KindChannel  = model.KindChannel
	KindSelf     = model.KindSelf
)

// ParseQualifiedID parses the "id@domain" form.
var ParseQualifiedID = model.ParseQualifiedID

// Messages.
type (
	Message                  = message.Message
	MessageMeta              = message.Meta
	Mention                  = message.Mention
	Button                   = message.Button
	Text                     = message.Text
	Asset                    = message.Asset
	Composite                = message.Composite
	ButtonAction             = message.ButtonAction
	ButtonActionConfirmation = message.ButtonActionConfirmation
	Ping                     = message.Ping
	Location                 = message.Location
	Deleted                  = message.Deleted
	Receipt                  = message.Receipt
	Reaction                 = message.Reaction
	InCallEmoji              = message.InCallEmoji
	InCallHandRaise          = message.InCallHandRaise
	EditedText               = message.EditedText
	EditedComposite          = message.EditedComposite
)

// NewMessageID returns a fresh message id.
var NewMessageID = message.NewID

// Handler receives conversation events and decrypted messages. Embed
// BaseHandler to implement only what you need.
type (
	Handler     = wireservice.Handler
	BaseHandler = wireservice.BaseHandler
)

// Service results and errors.
type (
	ClaimResult         = wireservice.ClaimResult
	State               = wireservice.State
	ForbiddenError      = wireservice.ForbiddenError
	NotFoundError       = wireservice.NotFoundError
	InvalidRequestError = wireservice.InvalidRequestError
	FatalError          = wireservice.FatalError
)

const (
	StateDisconnected = wireservice.StateDisconnected
	StateConnecting   = wireservice.StateConnecting
	StateConnected    = wireservice.StateConnected
	StateProcessing   = wireservice.StateProcessing
	StateStopped      = wireservice.StateStopped
)
