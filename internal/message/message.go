// Package message holds the decrypted application messages exchanged in a
// conversation and their protobuf envelope encoding.
package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/wire-go/internal/model"
)

// Meta is common to every message. Variants embed it.
type Meta struct {
	ID             string
	ConversationID model.QualifiedID
	Sender         model.QualifiedID
	Time           time.Time
	// Expires is set for ephemeral messages.
	Expires time.Time
}

func (m Meta) Metadata() Meta { return m }

// Message is a decrypted application message. The set of implementations
// is closed; Accept dispatches to the matching Visitor method.
type Message interface {
	Metadata() Meta
	Accept(v Visitor)
}

// Visitor has one method per message variant. Adding a variant adds a
// method here, so every dispatcher stops compiling until it handles it.
type Visitor interface {
	VisitText(*Text)
	VisitAsset(*Asset)
	VisitComposite(*Composite)
	VisitButtonAction(*ButtonAction)
	VisitButtonActionConfirmation(*ButtonActionConfirmation)
	VisitPing(*Ping)
	VisitLocation(*Location)
	VisitDeleted(*Deleted)
	VisitReceipt(*Receipt)
	VisitReaction(*Reaction)
	VisitInCallEmoji(*InCallEmoji)
	VisitInCallHandRaise(*InCallHandRaise)
	VisitEditedText(*EditedText)
	VisitEditedComposite(*EditedComposite)
	VisitIgnored(*Ignored)
}

// NewID returns a fresh message id.
func NewID() string { return uuid.NewString() }

// Mention marks a user mentioned in a text.
type Mention struct {
	UserID model.QualifiedID
	Offset int
	Length int
}

// Button is one choice of a composite message.
type Button struct {
	ID   string
	Text string
}

type Text struct {
	Meta
	Text            string
	Mentions        []Mention
	QuotedMessageID string
}

// Asset carries the metadata of an uploaded asset. Fetching the content
// is up to the application.
type Asset struct {
	Meta
	Name     string
	MimeType string
	Size     int64
	Key      string
	Token    string
	Domain   string
	OTRKey   []byte
	SHA256   []byte
}

// Composite is a text with buttons.
type Composite struct {
	Meta
	Text    string
	Buttons []Button
}

// ButtonAction is sent when a user clicks a composite button.
type ButtonAction struct {
	Meta
	ReferenceMessageID string
	ButtonID           string
}

// ButtonActionConfirmation is the composite author's answer to a click.
type ButtonActionConfirmation struct {
	Meta
	ReferenceMessageID string
	ButtonID           string
}

type Ping struct {
	Meta
	HotKnock bool
}

type Location struct {
	Meta
	Latitude  float32
	Longitude float32
	Name      string
	Zoom      int32
}

// Deleted asks to delete an earlier message for everyone.
type Deleted struct {
	Meta
	MessageID string
}

type ReceiptType int

const (
	ReceiptDelivered ReceiptType = iota
	ReceiptRead
)

type Receipt struct {
	Meta
	Type       ReceiptType
	MessageIDs []string
}

// Reaction replaces the sender's reactions to MessageID. An empty Emojis
// removes them.
type Reaction struct {
	Meta
	MessageID string
	Emojis    []string
}

type InCallEmoji struct {
	Meta
	Emojis map[string]int32
}

type InCallHandRaise struct {
	Meta
	Raised bool
}

type EditedText struct {
	Meta
	ReplacingMessageID string
	Text               string
	Mentions           []Mention
}

type EditedComposite struct {
	Meta
	ReplacingMessageID string
	Text               string
	Buttons            []Button
}

// Ignored stands for envelopes the SDK does not surface (calling, hidden,
// availability, unknown fields). It never reaches a handler.
type Ignored struct {
	Meta
	Reason string
}

func (m *Text) Accept(v Visitor)                     { v.VisitText(m) }
func (m *Asset) Accept(v Visitor)                    { v.VisitAsset(m) }
func (m *Composite) Accept(v Visitor)                { v.VisitComposite(m) }
func (m *ButtonAction) Accept(v Visitor)             { v.VisitButtonAction(m) }
func (m *ButtonActionConfirmation) Accept(v Visitor) { v.VisitButtonActionConfirmation(m) }
func (m *Ping) Accept(v Visitor)                     { v.VisitPing(m) }
func (m *Location) Accept(v Visitor)                 { v.VisitLocation(m) }
func (m *Deleted) Accept(v Visitor)                  { v.VisitDeleted(m) }
func (m *Receipt) Accept(v Visitor)                  { v.VisitReceipt(m) }
func (m *Reaction) Accept(v Visitor)                 { v.VisitReaction(m) }
func (m *InCallEmoji) Accept(v Visitor)              { v.VisitInCallEmoji(m) }
func (m *InCallHandRaise) Accept(v Visitor)          { v.VisitInCallHandRaise(m) }
func (m *EditedText) Accept(v Visitor)               { v.VisitEditedText(m) }
func (m *EditedComposite) Accept(v Visitor)          { v.VisitEditedComposite(m) }
func (m *Ignored) Accept(v Visitor)                  { v.VisitIgnored(m) }
