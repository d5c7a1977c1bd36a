package notification

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/model"
)

const convID = "99db9768-04e3-4b5d-9268-831b6a25c4ab"

func TestDecodeMemberJoin(t *testing.T) {
	payload := `{
		"type": "conversation.member-join",
		"qualified_conversation": {"id": "` + convID + `", "domain": "example.com"},
		"qualified_from": {"id": "6f2a1e8c-4f3d-4c9a-8e5b-2f1d7c3a9b01", "domain": "example.com"},
		"time": "2026-03-01T12:00:00.000Z",
		"data": {"users": [
			{"qualified_id": {"id": "0f1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d", "domain": "example.com"}, "conversation_role": "wire_admin"},
			{"qualified_id": {"id": "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d", "domain": "other.example"}, "conversation_role": "wire_member"}
		]}
	}`
	n, err := Decode("notif-1", []byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mj, ok := n.(*MemberJoined)
	if !ok {
		t.Fatalf("got %T, want *MemberJoined", n)
	}
	if mj.NotificationID != "notif-1" {
		t.Errorf("notification id: got %q", mj.NotificationID)
	}
	if mj.ConversationID.ID != uuid.MustParse(convID) || mj.ConversationID.Domain != "example.com" {
		t.Errorf("conversation: got %v", mj.ConversationID)
	}
	if len(mj.Users) != 2 {
		t.Fatalf("users: got %d, want 2", len(mj.Users))
	}
	if mj.Users[0].Role != model.RoleAdmin || mj.Users[1].Role != model.RoleMember {
		t.Errorf("roles: got %v, %v", mj.Users[0].Role, mj.Users[1].Role)
	}
	if mj.Users[1].ID.Domain != "other.example" {
		t.Errorf("federated user domain: got %q", mj.Users[1].ID.Domain)
	}
}

func TestDecodeMlsPayloads(t *testing.T) {
	blob, _ := json.Marshal([]byte("opaque"))
	for _, typ := range []string{TypeMlsWelcome, TypeMlsMessageAdd} {
		payload := `{"type": "` + typ + `", "qualified_conversation": {"id": "` + convID + `", "domain": "example.com"}, "data": ` + string(blob) + `}`
		n, err := Decode("n", []byte(payload))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		switch n := n.(type) {
		case *MlsWelcome:
			if string(n.Welcome) != "opaque" {
				t.Errorf("welcome: got %q", n.Welcome)
			}
		case *MlsMessage:
			if string(n.Ciphertext) != "opaque" {
				t.Errorf("ciphertext: got %q", n.Ciphertext)
			}
		default:
			t.Errorf("%s: got %T", typ, n)
		}
	}
}

func TestDecodeEmptyCiphertextFails(t *testing.T) {
	payload := `{"type": "conversation.mls-message-add", "data": ""}`
	if _, err := Decode("n", []byte(payload)); err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	n, err := Decode("n", []byte(`{"type": "user.properties-set"}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := n.(*Unknown)
	if !ok || u.Type != "user.properties-set" {
		t.Errorf("got %#v, want Unknown user.properties-set", n)
	}
}

func TestDecodeTeamInvite(t *testing.T) {
	team := uuid.New()
	n, err := Decode("n", []byte(`{"type": "team.invite", "team": "`+team.String()+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ti := n.(*TeamInvite); uuid.UUID(ti.TeamID) != team {
		t.Errorf("team: got %v, want %v", ti.TeamID, team)
	}

	if _, err := Decode("n", []byte(`{"type": "team.invite"}`)); err == nil {
		t.Error("missing team: expected error")
	}
}

func TestDecodeBatchKeepsGoodEvents(t *testing.T) {
	raw := Raw{
		ID: "batch",
		Payload: []json.RawMessage{
			json.RawMessage(`{"type": "conversation.delete", "qualified_conversation": {"id": "` + convID + `", "domain": "example.com"}}`),
			json.RawMessage(`{"type": "conversation.member-leave", "data": 42}`),
			json.RawMessage(`{"type": "conversation.member-leave", "data": {"qualified_user_ids": [{"id": "` + convID + `", "domain": "example.com"}]}}`),
		},
	}
	ns, errs := DecodeBatch(raw)
	if len(ns) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(ns))
	}
	if len(errs) != 1 {
		t.Fatalf("errors: got %d, want 1", len(errs))
	}
	if _, ok := ns[0].(*ConversationDeleted); !ok {
		t.Errorf("first: got %T", ns[0])
	}
	if ml := ns[1].(*MemberLeft); len(ml.Users) != 1 {
		t.Errorf("left users: got %d", len(ml.Users))
	}
	for _, n := range ns {
		if n.Metadata().NotificationID != "batch" {
			t.Errorf("notification id: got %q", n.Metadata().NotificationID)
		}
	}
}
