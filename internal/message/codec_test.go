package message

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/wire-go/internal/model"
)

func testMeta() Meta {
	return Meta{
		ConversationID: model.NewQualifiedID(uuid.New(), "example.com"),
		Sender:         model.NewQualifiedID(uuid.New(), "example.com"),
		Time:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTextWithMentionAndQuote(t *testing.T) {
	alice := model.NewQualifiedID(uuid.New(), "alice.example")
	in := &Text{
		Meta:            Meta{ID: "msg-1"},
		Text:            "hi @alice",
		Mentions:        []Mention{{UserID: alice, Offset: 3, Length: 6}},
		QuotedMessageID: "msg-0",
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	meta := testMeta()
	out, err := Decode(meta, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	text, ok := out.(*Text)
	if !ok {
		t.Fatalf("got %T, want *Text", out)
	}
	if text.ID != "msg-1" {
		t.Errorf("id: got %q, want msg-1", text.ID)
	}
	if text.ConversationID != meta.ConversationID || text.Sender != meta.Sender {
		t.Errorf("meta not carried over: %+v", text.Meta)
	}
	if text.Text != "hi @alice" || text.QuotedMessageID != "msg-0" {
		t.Errorf("got %+v", text)
	}
	if len(text.Mentions) != 1 || text.Mentions[0].UserID != alice || text.Mentions[0].Length != 6 {
		t.Errorf("mentions: got %+v", text.Mentions)
	}
}

func TestEncodeAssignsID(t *testing.T) {
	b, err := Encode(&Ping{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(testMeta(), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(out.Metadata().ID); err != nil {
		t.Errorf("id %q is not a uuid", out.Metadata().ID)
	}
	if _, ok := out.(*Ping); !ok {
		t.Errorf("got %T, want *Ping", out)
	}
}

func TestEditedCompositeKeepsButtons(t *testing.T) {
	in := &EditedComposite{
		ReplacingMessageID: "poll-1",
		Text:               "Lunch?",
		Buttons:            []Button{{ID: "a", Text: "Pizza"}, {ID: "b", Text: "Sushi"}},
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(testMeta(), b)
	if err != nil {
		t.Fatal(err)
	}
	ec, ok := out.(*EditedComposite)
	if !ok {
		t.Fatalf("got %T, want *EditedComposite", out)
	}
	if ec.ReplacingMessageID != "poll-1" || ec.Text != "Lunch?" {
		t.Errorf("got %+v", ec)
	}
	if len(ec.Buttons) != 2 || ec.Buttons[1] != (Button{ID: "b", Text: "Sushi"}) {
		t.Errorf("buttons: got %+v", ec.Buttons)
	}
}

func TestEmptyReactionRemoves(t *testing.T) {
	b, err := Encode(&Reaction{MessageID: "m"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(testMeta(), b)
	if err != nil {
		t.Fatal(err)
	}
	r := out.(*Reaction)
	if r.MessageID != "m" || len(r.Emojis) != 0 {
		t.Errorf("got %+v", r)
	}
}

func TestEphemeralExpiry(t *testing.T) {
	meta := testMeta()
	in := &Text{Meta: Meta{Time: meta.Time, Expires: meta.Time.Add(30 * time.Second)}, Text: "soon gone"}
	b, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(meta, b)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.Metadata().Expires, meta.Time.Add(30*time.Second); !got.Equal(want) {
		t.Errorf("expires: got %v, want %v", got, want)
	}
}

func TestUnknownContentIsIgnored(t *testing.T) {
	b := appendString(nil, fieldMessageID, "x")
	b = appendMessage(b, 99, []byte{})
	out, err := Decode(testMeta(), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*Ignored); !ok {
		t.Errorf("got %T, want *Ignored", out)
	}

	b = appendString(nil, fieldMessageID, "y")
	b = appendMessage(b, fieldCalling, []byte("{}"))
	out, err = Decode(testMeta(), b)
	if err != nil {
		t.Fatal(err)
	}
	if ig, ok := out.(*Ignored); !ok || ig.Reason != "calling" {
		t.Errorf("got %#v, want calling Ignored", out)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(testMeta(), nil); !errors.Is(err, ErrEmptyEnvelope) {
		t.Errorf("empty: got %v, want ErrEmptyEnvelope", err)
	}
	truncated := protowire.AppendTag(nil, fieldText, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	if _, err := Decode(testMeta(), truncated); err == nil {
		t.Error("truncated envelope: expected error")
	}
}

type countingVisitor struct {
	Visitor
	texts int
}

func (v *countingVisitor) VisitText(*Text) { v.texts++ }

func TestAcceptDispatches(t *testing.T) {
	v := &countingVisitor{}
	var m Message = &Text{Text: "x"}
	m.Accept(v)
	if v.texts != 1 {
		t.Errorf("texts: got %d, want 1", v.texts)
	}
}
