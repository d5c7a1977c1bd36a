package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/model"
)

// Backend event types.
const (
	TypeTeamInvite         = "team.invite"
	TypeConversationCreate = "conversation.create"
	TypeMemberJoin         = "conversation.member-join"
	TypeMemberLeave        = "conversation.member-leave"
	TypeConversationDelete = "conversation.delete"
	TypeMlsWelcome         = "conversation.mls-welcome"
	TypeMlsMessageAdd      = "conversation.mls-message-add"
)

// Raw is a backend notification as returned by the notifications endpoint
// and pushed over the event socket.
type Raw struct {
	ID        string            `json:"id"`
	Payload   []json.RawMessage `json:"payload"`
	Transient bool              `json:"transient,omitempty"`
}

type rawEvent struct {
	Type         string            `json:"type"`
	Conversation model.QualifiedID `json:"qualified_conversation"`
	From         model.QualifiedID `json:"qualified_from"`
	Time         time.Time         `json:"time"`
	Team         *uuid.UUID        `json:"team,omitempty"`
	Subconv      string            `json:"subconv,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
}

type memberJoinData struct {
	Users []struct {
		QualifiedID model.QualifiedID `json:"qualified_id"`
		Role        string            `json:"conversation_role"`
	} `json:"users"`
}

type memberLeaveData struct {
	QualifiedUserIDs []model.QualifiedID `json:"qualified_user_ids"`
}

type conversationCreateData struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// DecodeBatch decodes every event of a backend notification. Events that
// fail to decode are returned as errors alongside the ones that succeeded.
func DecodeBatch(raw Raw) ([]Notification, []error) {
	var out []Notification
	var errs []error
	for i, p := range raw.Payload {
		n, err := Decode(raw.ID, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("notification %s event %d: %w", raw.ID, i, err))
			continue
		}
		out = append(out, n)
	}
	return out, errs
}

// Decode turns one event payload into a Notification. Unrecognised types
// decode to *Unknown.
func Decode(notificationID string, payload []byte) (Notification, error) {
	var ev rawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("notification: decode event: %w", err)
	}
	meta := Meta{
		NotificationID: notificationID,
		ConversationID: ev.Conversation,
		SenderID:       ev.From,
		Time:           ev.Time,
	}

	switch ev.Type {
	case TypeTeamInvite:
		if ev.Team == nil {
			return nil, fmt.Errorf("notification: %s: missing team", ev.Type)
		}
		return &TeamInvite{Meta: meta, TeamID: model.TeamID(*ev.Team)}, nil

	case TypeConversationCreate:
		var d conversationCreateData
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return nil, fmt.Errorf("notification: %s: %w", ev.Type, err)
			}
		}
		return &ConversationCreated{Meta: meta, Name: d.Name, Kind: kindFromBackend(d.Type)}, nil

	case TypeMemberJoin:
		var d memberJoinData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return nil, fmt.Errorf("notification: %s: %w", ev.Type, err)
		}
		n := &MemberJoined{Meta: meta}
		for _, u := range d.Users {
			n.Users = append(n.Users, JoinedUser{ID: u.QualifiedID, Role: model.RoleFromBackend(u.Role)})
		}
		return n, nil

	case TypeMemberLeave:
		var d memberLeaveData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return nil, fmt.Errorf("notification: %s: %w", ev.Type, err)
		}
		return &MemberLeft{Meta: meta, Users: d.QualifiedUserIDs}, nil

	case TypeConversationDelete:
		return &ConversationDeleted{Meta: meta}, nil

	case TypeMlsWelcome:
		blob, err := decodeBlob(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("notification: %s: %w", ev.Type, err)
		}
		return &MlsWelcome{Meta: meta, Welcome: blob}, nil

	case TypeMlsMessageAdd:
		blob, err := decodeBlob(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("notification: %s: %w", ev.Type, err)
		}
		return &MlsMessage{Meta: meta, Ciphertext: blob, Subconversation: ev.Subconv}, nil
	}
	return &Unknown{Meta: meta, Type: ev.Type}, nil
}

// decodeBlob reads a base64 JSON string.
func decodeBlob(data json.RawMessage) ([]byte, error) {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	return b, nil
}

// Backend conversation type codes.
func kindFromBackend(t int) model.ConversationKind {
	switch t {
	case 1:
		return model.KindSelf
	case 2:
		return model.KindOneToOne
	default:
		return model.KindGroup
	}
}
