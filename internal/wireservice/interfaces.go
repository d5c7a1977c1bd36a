package wireservice

import (
	"context"

	"github.com/gwillem/wire-go/internal/backend"
	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
	"github.com/gwillem/wire-go/internal/wirews"
)

// Gateway is the backend surface the core drives. *backend.Client
// implements it.
type Gateway interface {
	FetchConversation(ctx context.Context, id model.QualifiedID) (*backend.Conversation, error)
	FetchConversationGroupInfo(ctx context.Context, id model.QualifiedID) ([]byte, error)
	FetchConversationIDs(ctx context.Context) ([]model.QualifiedID, error)
	FetchConversationsByID(ctx context.Context, ids []model.QualifiedID) (*backend.ConversationsResult, error)
	FetchOneToOne(ctx context.Context, user model.QualifiedID) (*backend.Conversation, error)
	CreateConversation(ctx context.Context, req backend.NewConversation) (*backend.Conversation, error)
	ClaimKeyPackage(ctx context.Context, user model.QualifiedID, suite mls.CipherSuite) ([]mls.KeyPackage, error)
	UploadKeyPackages(ctx context.Context, clientID string, packages []mls.KeyPackage) error
	CountKeyPackages(ctx context.Context, clientID string, suite mls.CipherSuite) (int, error)
	ConfirmTeamInvite(ctx context.Context, team model.TeamID) error
	SendMessage(ctx context.Context, ciphertext []byte) error
	LeaveConversation(ctx context.Context, user, conv model.QualifiedID) error
	DeleteConversation(ctx context.Context, team model.TeamID, conv model.QualifiedID) error
}

// NotificationSource serves the catch-up fetch. *backend.Client implements
// it.
type NotificationSource interface {
	FetchNotifications(ctx context.Context, since string, size int) (*backend.NotificationPage, error)
}

// EventConn is a live event stream. *wirews.Conn implements it.
type EventConn interface {
	ReadFrame(ctx context.Context) (wirews.Frame, error)
	Ack(ctx context.Context, deliveryTag uint64) error
	Close() error
	CloseNow() error
}

// ConnectFunc opens a live event stream.
type ConnectFunc func(ctx context.Context) (EventConn, error)

// StateStore is the persisted conversation state. *store.Store implements
// it.
type StateStore interface {
	SaveConversation(*model.Conversation) error
	GetConversation(model.QualifiedID) (*model.Conversation, error)
	ListConversationIDs() ([]model.QualifiedID, error)
	DeleteConversation(model.QualifiedID) error
	SaveMembers([]model.Member) error
	GetMembers(model.QualifiedID) ([]model.Member, error)
	DeleteMembers(model.QualifiedID, []model.QualifiedID) error
	SaveTeam(model.TeamID) error
}

// CursorStore persists the id of the last notification taken off the
// stream.
type CursorStore interface {
	LastCursor() (string, error)
	SetLastCursor(string) error
}
