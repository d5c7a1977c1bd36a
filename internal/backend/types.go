package backend

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
)

// Backend conversation type codes.
const (
	convTypeRegular  = 0
	convTypeSelf     = 1
	convTypeOneToOne = 2
	convTypeConnect  = 3
)

const groupConvTypeChannel = "channel"

// Conversation is the backend view of a conversation.
type Conversation struct {
	QualifiedID   model.QualifiedID `json:"qualified_id"`
	Name          string            `json:"name"`
	Type          int               `json:"type"`
	Team          *uuid.UUID        `json:"team,omitempty"`
	Protocol      string            `json:"protocol"`
	GroupID       []byte            `json:"group_id,omitempty"`
	Epoch         uint64            `json:"epoch"`
	CipherSuite   uint16            `json:"cipher_suite,omitempty"`
	GroupConvType string            `json:"group_conv_type,omitempty"`
	Members       Members           `json:"members"`
}

type Members struct {
	Self   Member   `json:"self"`
	Others []Member `json:"others"`
}

type Member struct {
	QualifiedID model.QualifiedID `json:"qualified_id"`
	Role        string            `json:"conversation_role"`
}

// Kind maps the backend type code.
func (c *Conversation) Kind() model.ConversationKind {
	switch c.Type {
	case convTypeSelf:
		return model.KindSelf
	case convTypeOneToOne, convTypeConnect:
		return model.KindOneToOne
	}
	if c.GroupConvType == groupConvTypeChannel {
		return model.KindChannel
	}
	return model.KindGroup
}

// Record converts the response into the stored conversation and its
// members, self included.
func (c *Conversation) Record() (model.Conversation, []model.Member) {
	conv := model.Conversation{
		ID:      c.QualifiedID,
		Name:    c.Name,
		GroupID: c.GroupID,
		Kind:    c.Kind(),
	}
	if c.Team != nil {
		t := model.TeamID(*c.Team)
		conv.TeamID = &t
	}
	members := make([]model.Member, 0, len(c.Members.Others)+1)
	if !c.Members.Self.QualifiedID.IsZero() {
		members = append(members, model.Member{
			ConversationID: c.QualifiedID,
			UserID:         c.Members.Self.QualifiedID,
			Role:           model.RoleFromBackend(c.Members.Self.Role),
		})
	}
	for _, o := range c.Members.Others {
		members = append(members, model.Member{
			ConversationID: c.QualifiedID,
			UserID:         o.QualifiedID,
			Role:           model.RoleFromBackend(o.Role),
		})
	}
	return conv, members
}

// NewConversation is the create request.
type NewConversation struct {
	Name             string              `json:"name,omitempty"`
	Protocol         string              `json:"protocol"`
	QualifiedUsers   []model.QualifiedID `json:"qualified_users"`
	Team             *TeamInfo           `json:"team,omitempty"`
	GroupConvType    string              `json:"group_conv_type,omitempty"`
	ConversationRole string              `json:"conversation_role,omitempty"`
}

type TeamInfo struct {
	TeamID  uuid.UUID `json:"teamid"`
	Managed bool      `json:"managed"`
}

type listIDsRequest struct {
	PagingState string `json:"paging_state,omitempty"`
	Size        int    `json:"size"`
}

type listIDsResponse struct {
	QualifiedConversations []model.QualifiedID `json:"qualified_conversations"`
	HasMore                bool                `json:"has_more"`
	PagingState            string              `json:"paging_state"`
}

type listConversationsRequest struct {
	QualifiedIDs []model.QualifiedID `json:"qualified_ids"`
}

// ConversationsResult is the answer to a batch fetch.
type ConversationsResult struct {
	Found    []Conversation      `json:"found"`
	NotFound []model.QualifiedID `json:"not_found"`
	Failed   []model.QualifiedID `json:"failed"`
}

type claimedKeyPackage struct {
	Client     string          `json:"client"`
	Domain     string          `json:"domain"`
	User       uuid.UUID       `json:"user"`
	KeyPackage []byte          `json:"key_package"`
	Ref        json.RawMessage `json:"key_package_ref,omitempty"`
}

type claimResponse struct {
	KeyPackages []claimedKeyPackage `json:"key_packages"`
}

type uploadKeyPackages struct {
	KeyPackages [][]byte `json:"key_packages"`
}

type countResponse struct {
	Count int `json:"count"`
}

// Features is the subset of feature configs the SDK checks.
type Features struct {
	MLS struct {
		Status string `json:"status"`
		Config struct {
			DefaultCipherSuite  mls.CipherSuite   `json:"defaultCipherSuite"`
			AllowedCipherSuites []mls.CipherSuite `json:"allowedCipherSuites"`
		} `json:"config"`
	} `json:"mls"`
}

// MLSEnabled reports whether the backend has MLS switched on.
func (f *Features) MLSEnabled() bool { return f.MLS.Status == "enabled" }

// PublicKeys holds the backend's external-sender keys by signature scheme.
type PublicKeys struct {
	Removal map[string][]byte `json:"removal"`
}

// ExternalSenders returns the keys in a stable order.
func (p *PublicKeys) ExternalSenders() [][]byte {
	var out [][]byte
	for _, scheme := range []string{"ed25519", "ecdsa_secp256r1_sha256", "ecdsa_secp384r1_sha384", "ecdsa_secp521r1_sha512"} {
		if k, ok := p.Removal[scheme]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Self is the authenticated user.
type Self struct {
	QualifiedID model.QualifiedID `json:"qualified_id"`
	Name        string            `json:"name"`
	Team        *uuid.UUID        `json:"team,omitempty"`
}
