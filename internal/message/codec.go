package message

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/wire-go/internal/model"
)

// Envelope field numbers. Every plaintext decrypted from a conversation is
// one envelope carrying the message id and exactly one content field.
const (
	fieldMessageID                = 1
	fieldText                     = 2
	fieldAsset                    = 3
	fieldKnock                    = 4
	fieldLocation                 = 5
	fieldDeleted                  = 6
	fieldConfirmation             = 7
	fieldReaction                 = 8
	fieldComposite                = 9
	fieldButtonAction             = 10
	fieldButtonActionConfirmation = 11
	fieldInCallEmoji              = 12
	fieldInCallHandRaise          = 13
	fieldEdited                   = 14
	fieldCalling                  = 15
	fieldAvailability             = 16
	fieldExpireAfterMillis        = 17
)

var ErrEmptyEnvelope = errors.New("message: empty envelope")

// Encode serializes m into an envelope. The id comes from m's Meta; an
// empty id is replaced by a fresh one. A non-zero Expires is sent relative
// to Time.
func Encode(m Message) ([]byte, error) {
	meta := m.Metadata()
	id := meta.ID
	if id == "" {
		id = NewID()
	}
	b := appendString(nil, fieldMessageID, id)
	if !meta.Expires.IsZero() && meta.Expires.After(meta.Time) {
		b = appendVarint(b, fieldExpireAfterMillis, uint64(meta.Expires.Sub(meta.Time).Milliseconds()))
	}

	switch m := m.(type) {
	case *Text:
		b = appendMessage(b, fieldText, encodeText(m.Text, m.Mentions, m.QuotedMessageID))
	case *Asset:
		var a []byte
		a = appendString(a, 1, m.Name)
		a = appendString(a, 2, m.MimeType)
		a = appendVarint(a, 3, uint64(m.Size))
		a = appendString(a, 4, m.Key)
		a = appendString(a, 5, m.Token)
		a = appendString(a, 6, m.Domain)
		a = appendBytes(a, 7, m.OTRKey)
		a = appendBytes(a, 8, m.SHA256)
		b = appendMessage(b, fieldAsset, a)
	case *Composite:
		b = appendMessage(b, fieldComposite, encodeComposite(m.Text, m.Buttons))
	case *ButtonAction:
		var a []byte
		a = appendString(a, 1, m.ButtonID)
		a = appendString(a, 2, m.ReferenceMessageID)
		b = appendMessage(b, fieldButtonAction, a)
	case *ButtonActionConfirmation:
		var a []byte
		a = appendString(a, 1, m.ReferenceMessageID)
		a = appendString(a, 2, m.ButtonID)
		b = appendMessage(b, fieldButtonActionConfirmation, a)
	case *Ping:
		b = appendMessage(b, fieldKnock, appendBool(nil, 1, m.HotKnock))
	case *Location:
		var a []byte
		a = appendFloat(a, 1, m.Longitude)
		a = appendFloat(a, 2, m.Latitude)
		a = appendString(a, 3, m.Name)
		a = appendVarint(a, 4, uint64(m.Zoom))
		b = appendMessage(b, fieldLocation, a)
	case *Deleted:
		b = appendMessage(b, fieldDeleted, appendString(nil, 1, m.MessageID))
	case *Receipt:
		a := appendVarint(nil, 1, uint64(m.Type))
		for _, id := range m.MessageIDs {
			a = appendString(a, 2, id)
		}
		b = appendMessage(b, fieldConfirmation, a)
	case *Reaction:
		var a []byte
		a = appendString(a, 1, strings.Join(m.Emojis, ","))
		a = appendString(a, 2, m.MessageID)
		b = appendMessage(b, fieldReaction, a)
	case *InCallEmoji:
		keys := make([]string, 0, len(m.Emojis))
		for k := range m.Emojis {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var a []byte
		for _, k := range keys {
			var e []byte
			e = appendString(e, 1, k)
			e = appendVarint(e, 2, uint64(m.Emojis[k]))
			a = appendMessage(a, 1, e)
		}
		b = appendMessage(b, fieldInCallEmoji, a)
	case *InCallHandRaise:
		b = appendMessage(b, fieldInCallHandRaise, appendBool(nil, 1, m.Raised))
	case *EditedText:
		a := appendString(nil, 1, m.ReplacingMessageID)
		a = appendMessage(a, 2, encodeText(m.Text, m.Mentions, ""))
		b = appendMessage(b, fieldEdited, a)
	case *EditedComposite:
		a := appendString(nil, 1, m.ReplacingMessageID)
		a = appendMessage(a, 3, encodeComposite(m.Text, m.Buttons))
		b = appendMessage(b, fieldEdited, a)
	default:
		return nil, fmt.Errorf("message: cannot encode %T", m)
	}
	return b, nil
}

// Decode parses an envelope. meta supplies the conversation, sender and
// time; the id is taken from the envelope. Content the SDK does not surface
// decodes to *Ignored.
func Decode(meta Meta, b []byte) (Message, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, fmt.Errorf("message: decode envelope: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrEmptyEnvelope
	}

	var content *field
	for i := range fields {
		f := &fields[i]
		switch f.num {
		case fieldMessageID:
			meta.ID = string(f.bytes)
			continue
		case fieldExpireAfterMillis:
			meta.Expires = meta.Time.Add(time.Duration(f.varint) * time.Millisecond)
			continue
		}
		if content == nil {
			content = f
		}
	}
	if content == nil {
		return &Ignored{Meta: meta, Reason: "no content"}, nil
	}

	m, err := decodeContent(meta, content)
	if err != nil {
		return nil, fmt.Errorf("message: decode field %d: %w", content.num, err)
	}
	return m, nil
}

func decodeContent(meta Meta, f *field) (Message, error) {
	switch f.num {
	case fieldText:
		text, mentions, quote, err := decodeText(f.bytes)
		if err != nil {
			return nil, err
		}
		return &Text{Meta: meta, Text: text, Mentions: mentions, QuotedMessageID: quote}, nil

	case fieldAsset:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &Asset{Meta: meta}
		for _, f := range fs {
			switch f.num {
			case 1:
				m.Name = string(f.bytes)
			case 2:
				m.MimeType = string(f.bytes)
			case 3:
				m.Size = int64(f.varint)
			case 4:
				m.Key = string(f.bytes)
			case 5:
				m.Token = string(f.bytes)
			case 6:
				m.Domain = string(f.bytes)
			case 7:
				m.OTRKey = f.bytes
			case 8:
				m.SHA256 = f.bytes
			}
		}
		return m, nil

	case fieldComposite:
		text, buttons, err := decodeComposite(f.bytes)
		if err != nil {
			return nil, err
		}
		return &Composite{Meta: meta, Text: text, Buttons: buttons}, nil

	case fieldButtonAction:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &ButtonAction{Meta: meta}
		for _, f := range fs {
			switch f.num {
			case 1:
				m.ButtonID = string(f.bytes)
			case 2:
				m.ReferenceMessageID = string(f.bytes)
			}
		}
		return m, nil

	case fieldButtonActionConfirmation:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &ButtonActionConfirmation{Meta: meta}
		for _, f := range fs {
			switch f.num {
			case 1:
				m.ReferenceMessageID = string(f.bytes)
			case 2:
				m.ButtonID = string(f.bytes)
			}
		}
		return m, nil

	case fieldKnock:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &Ping{Meta: meta}
		for _, f := range fs {
			if f.num == 1 {
				m.HotKnock = f.varint != 0
			}
		}
		return m, nil

	case fieldLocation:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &Location{Meta: meta}
		for _, f := range fs {
			switch f.num {
			case 1:
				m.Longitude = math.Float32frombits(f.fixed32)
			case 2:
				m.Latitude = math.Float32frombits(f.fixed32)
			case 3:
				m.Name = string(f.bytes)
			case 4:
				m.Zoom = int32(f.varint)
			}
		}
		return m, nil

	case fieldDeleted:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &Deleted{Meta: meta}
		for _, f := range fs {
			if f.num == 1 {
				m.MessageID = string(f.bytes)
			}
		}
		return m, nil

	case fieldConfirmation:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &Receipt{Meta: meta}
		for _, f := range fs {
			switch f.num {
			case 1:
				m.Type = ReceiptType(f.varint)
			case 2:
				m.MessageIDs = append(m.MessageIDs, string(f.bytes))
			}
		}
		return m, nil

	case fieldReaction:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &Reaction{Meta: meta}
		for _, f := range fs {
			switch f.num {
			case 1:
				if s := string(f.bytes); s != "" {
					m.Emojis = strings.Split(s, ",")
				}
			case 2:
				m.MessageID = string(f.bytes)
			}
		}
		return m, nil

	case fieldInCallEmoji:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &InCallEmoji{Meta: meta, Emojis: map[string]int32{}}
		for _, f := range fs {
			if f.num != 1 {
				continue
			}
			entry, err := parseFields(f.bytes)
			if err != nil {
				return nil, err
			}
			var key string
			var val int32
			for _, e := range entry {
				switch e.num {
				case 1:
					key = string(e.bytes)
				case 2:
					val = int32(e.varint)
				}
			}
			m.Emojis[key] = val
		}
		return m, nil

	case fieldInCallHandRaise:
		fs, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		m := &InCallHandRaise{Meta: meta}
		for _, f := range fs {
			if f.num == 1 {
				m.Raised = f.varint != 0
			}
		}
		return m, nil

	case fieldEdited:
		return decodeEdited(meta, f.bytes)

	case fieldCalling:
		return &Ignored{Meta: meta, Reason: "calling"}, nil
	case fieldAvailability:
		return &Ignored{Meta: meta, Reason: "availability"}, nil
	}
	return &Ignored{Meta: meta, Reason: fmt.Sprintf("unknown field %d", f.num)}, nil
}

func decodeEdited(meta Meta, b []byte) (Message, error) {
	fs, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	var replacing string
	for _, f := range fs {
		if f.num == 1 {
			replacing = string(f.bytes)
		}
	}
	for _, f := range fs {
		switch f.num {
		case 2:
			text, mentions, _, err := decodeText(f.bytes)
			if err != nil {
				return nil, err
			}
			return &EditedText{Meta: meta, ReplacingMessageID: replacing, Text: text, Mentions: mentions}, nil
		case 3:
			text, buttons, err := decodeComposite(f.bytes)
			if err != nil {
				return nil, err
			}
			return &EditedComposite{Meta: meta, ReplacingMessageID: replacing, Text: text, Buttons: buttons}, nil
		}
	}
	return &Ignored{Meta: meta, Reason: "edit without content"}, nil
}

func encodeText(text string, mentions []Mention, quote string) []byte {
	b := appendString(nil, 1, text)
	for _, m := range mentions {
		var e []byte
		e = appendString(e, 1, m.UserID.ID.String())
		e = appendString(e, 2, m.UserID.Domain)
		e = appendVarint(e, 3, uint64(m.Offset))
		e = appendVarint(e, 4, uint64(m.Length))
		b = appendMessage(b, 2, e)
	}
	if quote != "" {
		b = appendMessage(b, 3, appendString(nil, 1, quote))
	}
	return b
}

func decodeText(b []byte) (text string, mentions []Mention, quote string, err error) {
	fs, err := parseFields(b)
	if err != nil {
		return "", nil, "", err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			text = string(f.bytes)
		case 2:
			mf, err := parseFields(f.bytes)
			if err != nil {
				return "", nil, "", err
			}
			var id, domain string
			var m Mention
			for _, e := range mf {
				switch e.num {
				case 1:
					id = string(e.bytes)
				case 2:
					domain = string(e.bytes)
				case 3:
					m.Offset = int(e.varint)
				case 4:
					m.Length = int(e.varint)
				}
			}
			uid, err := uuid.Parse(id)
			if err != nil {
				return "", nil, "", fmt.Errorf("mention: %w", err)
			}
			m.UserID = model.NewQualifiedID(uid, domain)
			mentions = append(mentions, m)
		case 3:
			qf, err := parseFields(f.bytes)
			if err != nil {
				return "", nil, "", err
			}
			for _, e := range qf {
				if e.num == 1 {
					quote = string(e.bytes)
				}
			}
		}
	}
	return text, mentions, quote, nil
}

// Composites are a list of items, each either a text or a button.
func encodeComposite(text string, buttons []Button) []byte {
	var b []byte
	if text != "" {
		b = appendMessage(b, 1, appendMessage(nil, 1, encodeText(text, nil, "")))
	}
	for _, btn := range buttons {
		var e []byte
		e = appendString(e, 1, btn.Text)
		e = appendString(e, 2, btn.ID)
		b = appendMessage(b, 1, appendMessage(nil, 2, e))
	}
	return b
}

func decodeComposite(b []byte) (text string, buttons []Button, err error) {
	items, err := parseFields(b)
	if err != nil {
		return "", nil, err
	}
	for _, item := range items {
		if item.num != 1 {
			continue
		}
		fs, err := parseFields(item.bytes)
		if err != nil {
			return "", nil, err
		}
		for _, f := range fs {
			switch f.num {
			case 1:
				t, _, _, err := decodeText(f.bytes)
				if err != nil {
					return "", nil, err
				}
				text = t
			case 2:
				bf, err := parseFields(f.bytes)
				if err != nil {
					return "", nil, err
				}
				var btn Button
				for _, e := range bf {
					switch e.num {
					case 1:
						btn.Text = string(e.bytes)
					case 2:
						btn.ID = string(e.bytes)
					}
				}
				buttons = append(buttons, btn)
			}
		}
	}
	return text, buttons, nil
}

type field struct {
	num     protowire.Number
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

func parseFields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.varint, b = v, b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.fixed32, b = v, b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.bytes, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always writes the field, even when empty, so that an
// empty content message still selects its variant.
func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}
