// Package notification decodes backend events into typed notifications.
//
// A backend notification is an id plus a list of event payloads. Each
// payload becomes one Notification; the variants are closed and dispatched
// through Visitor.
package notification

import (
	"time"

	"github.com/gwillem/wire-go/internal/model"
)

// Meta is common to every notification.
type Meta struct {
	// NotificationID is the id of the backend notification the event came
	// in. Events of one notification share it.
	NotificationID string
	ConversationID model.QualifiedID
	SenderID       model.QualifiedID
	Time           time.Time
}

func (m Meta) Metadata() Meta { return m }

// Notification is one inbound event. Values are never mutated after Decode.
type Notification interface {
	Metadata() Meta
	Accept(v Visitor)
}

// Visitor has one method per notification variant.
type Visitor interface {
	VisitTeamInvite(*TeamInvite)
	VisitConversationCreated(*ConversationCreated)
	VisitMemberJoined(*MemberJoined)
	VisitMemberLeft(*MemberLeft)
	VisitConversationDeleted(*ConversationDeleted)
	VisitMlsWelcome(*MlsWelcome)
	VisitMlsMessage(*MlsMessage)
	VisitUnknown(*Unknown)
}

type TeamInvite struct {
	Meta
	TeamID model.TeamID
}

// ConversationCreated is informational: the conversation is persisted once
// its welcome arrives.
type ConversationCreated struct {
	Meta
	Name string
	Kind model.ConversationKind
}

// JoinedUser is one user added by MemberJoined.
type JoinedUser struct {
	ID   model.QualifiedID
	Role model.Role
}

type MemberJoined struct {
	Meta
	Users []JoinedUser
}

type MemberLeft struct {
	Meta
	Users []model.QualifiedID
}

type ConversationDeleted struct {
	Meta
}

type MlsWelcome struct {
	Meta
	Welcome []byte
}

type MlsMessage struct {
	Meta
	Ciphertext []byte
	// Subconversation is set for subconversation traffic (calls).
	Subconversation string
}

// Unknown is any event type this package does not decode.
type Unknown struct {
	Meta
	Type string
}

func (n *TeamInvite) Accept(v Visitor)          { v.VisitTeamInvite(n) }
func (n *ConversationCreated) Accept(v Visitor) { v.VisitConversationCreated(n) }
func (n *MemberJoined) Accept(v Visitor)        { v.VisitMemberJoined(n) }
func (n *MemberLeft) Accept(v Visitor)          { v.VisitMemberLeft(n) }
func (n *ConversationDeleted) Accept(v Visitor) { v.VisitConversationDeleted(n) }
func (n *MlsWelcome) Accept(v Visitor)          { v.VisitMlsWelcome(n) }
func (n *MlsMessage) Accept(v Visitor)          { v.VisitMlsMessage(n) }
func (n *Unknown) Accept(v Visitor)             { v.VisitUnknown(n) }
