// Package model holds the records shared between the store, the backend
// client and the event router.
package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// QualifiedID identifies a user, team or conversation across federated
// backends.
type QualifiedID struct {
	ID     uuid.UUID `json:"id"`
	Domain string    `json:"domain"`
}

// NewQualifiedID returns a QualifiedID for the given id and domain.
func NewQualifiedID(id uuid.UUID, domain string) QualifiedID {
	return QualifiedID{ID: id, Domain: domain}
}

// ParseQualifiedID parses the "id@domain" form produced by String.
func ParseQualifiedID(s string) (QualifiedID, error) {
	idPart, domain, ok := strings.Cut(s, "@")
	if !ok || domain == "" {
		return QualifiedID{}, fmt.Errorf("model: qualified id %q: missing domain", s)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return QualifiedID{}, fmt.Errorf("model: qualified id %q: %w", s, err)
	}
	return QualifiedID{ID: id, Domain: domain}, nil
}

func (q QualifiedID) String() string {
	return q.ID.String() + "@" + q.Domain
}

// IsZero reports whether q is the zero value.
func (q QualifiedID) IsZero() bool {
	return q.ID == uuid.Nil && q.Domain == ""
}

// TeamID identifies a team. Teams are not federated.
type TeamID uuid.UUID

func (t TeamID) String() string { return uuid.UUID(t).String() }

// ConversationKind is the shape of a conversation.
type ConversationKind int

const (
	KindGroup ConversationKind = iota
	KindOneToOne
	KindChannel
	KindSelf
)

func (k ConversationKind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindOneToOne:
		return "one_to_one"
	case KindChannel:
		return "channel"
	case KindSelf:
		return "self"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseConversationKind maps the stored string form back to a kind.
func ParseConversationKind(s string) (ConversationKind, error) {
	switch s {
	case "group":
		return KindGroup, nil
	case "one_to_one":
		return KindOneToOne, nil
	case "channel":
		return KindChannel, nil
	case "self":
		return KindSelf, nil
	}
	return 0, fmt.Errorf("model: unknown conversation kind %q", s)
}

// Role is a member's role inside a conversation.
type Role int

const (
	RoleMember Role = iota
	RoleAdmin
)

// Backend role names.
const (
	backendRoleAdmin  = "wire_admin"
	backendRoleMember = "wire_member"
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "member"
}

// BackendName returns the conversation role name used by the backend API.
func (r Role) BackendName() string {
	if r == RoleAdmin {
		return backendRoleAdmin
	}
	return backendRoleMember
}

// RoleFromBackend maps a backend conversation role to a Role. Custom roles
// are treated as plain members.
func RoleFromBackend(name string) Role {
	if name == backendRoleAdmin {
		return RoleAdmin
	}
	return RoleMember
}

// ParseRole maps the stored string form back to a Role.
func ParseRole(s string) Role {
	if s == "admin" {
		return RoleAdmin
	}
	return RoleMember
}

// Conversation is the local record of a conversation.
type Conversation struct {
	ID      QualifiedID
	Name    string
	GroupID []byte  // MLS group handle; nil until the group is established
	TeamID  *TeamID // nil for one-to-one and self conversations
	Kind    ConversationKind
}

// Established reports whether the conversation has a group handle and can
// be used to send and receive.
func (c *Conversation) Established() bool {
	return c != nil && len(c.GroupID) > 0
}

// Member is a user's membership in a conversation. The key is (UserID,
// ConversationID).
type Member struct {
	ConversationID QualifiedID
	UserID         QualifiedID
	Role           Role
}
