package mls

import (
	"testing"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/model"
)

func TestClientIDUser(t *testing.T) {
	user := model.NewQualifiedID(uuid.New(), "example.com")
	c := NewClientID(user, "7a3f")

	got, ok := c.User()
	if !ok || got != user {
		t.Fatalf("User(%q): got %v %v, want %v", c, got, ok, user)
	}

	for _, bad := range []ClientID{"", "nodomain", "not-a-uuid:1@example.com", ClientID(uuid.NewString() + "@example.com")} {
		if _, ok := bad.User(); ok {
			t.Errorf("User(%q): expected failure", bad)
		}
	}
}

func TestCommitBundleEncoding(t *testing.T) {
	in := CommitBundle{GroupID: GroupID("g"), Commit: []byte("c"), Welcome: []byte("w"), GroupInfo: []byte("i")}
	out, err := UnmarshalCommitBundle(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if string(out.GroupID) != "g" || string(out.Commit) != "c" || string(out.Welcome) != "w" || string(out.GroupInfo) != "i" {
		t.Errorf("got %+v", out)
	}
	if _, err := UnmarshalCommitBundle(CommitBundle{GroupID: GroupID("g")}.Marshal()); err == nil {
		t.Error("bundle without commit: expected error")
	}
}
