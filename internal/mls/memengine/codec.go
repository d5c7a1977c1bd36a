package memengine

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire formats are plain protobuf records so that captured blobs can be
// inspected with protoc --decode_raw.

const (
	kindApplication = 1
	kindCommit      = 2
)

type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
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

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

type keyPackage struct {
	client string
	ref    []byte
	suite  uint64
}

func (kp keyPackage) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(kp.client))
	b = appendBytes(b, 2, kp.ref)
	b = appendVarint(b, 3, kp.suite)
	return b
}

func unmarshalKeyPackage(b []byte) (keyPackage, error) {
	fields, err := parseFields(b)
	if err != nil {
		return keyPackage{}, fmt.Errorf("memengine: key package: %w", err)
	}
	var kp keyPackage
	for _, f := range fields {
		switch f.num {
		case 1:
			kp.client = string(f.bytes)
		case 2:
			kp.ref = f.bytes
		case 3:
			kp.suite = f.varint
		}
	}
	if kp.client == "" || len(kp.ref) == 0 {
		return keyPackage{}, fmt.Errorf("memengine: key package: missing client or ref")
	}
	return kp, nil
}

// groupSnapshot is shared by welcomes and group info: enough state for a
// new member to start at the given epoch.
type groupSnapshot struct {
	groupID []byte
	epoch   uint64
	secret  []byte
	members []string
	refs    [][]byte // welcome only: key packages the welcome is addressed to
}

func (g groupSnapshot) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, g.groupID)
	b = appendVarint(b, 2, g.epoch)
	b = appendBytes(b, 3, g.secret)
	for _, m := range g.members {
		b = appendBytes(b, 4, []byte(m))
	}
	for _, r := range g.refs {
		b = appendBytes(b, 5, r)
	}
	return b
}

func unmarshalSnapshot(b []byte) (groupSnapshot, error) {
	fields, err := parseFields(b)
	if err != nil {
		return groupSnapshot{}, fmt.Errorf("memengine: snapshot: %w", err)
	}
	var g groupSnapshot
	for _, f := range fields {
		switch f.num {
		case 1:
			g.groupID = f.bytes
		case 2:
			g.epoch = f.varint
		case 3:
			g.secret = f.bytes
		case 4:
			g.members = append(g.members, string(f.bytes))
		case 5:
			g.refs = append(g.refs, f.bytes)
		}
	}
	if len(g.groupID) == 0 || len(g.secret) == 0 {
		return groupSnapshot{}, fmt.Errorf("memengine: snapshot: missing group id or secret")
	}
	return g, nil
}

// wireMessage is an application message or a commit.
type wireMessage struct {
	kind       uint64
	groupID    []byte
	epoch      uint64
	sender     string
	generation uint64
	nonce      []byte
	payload    []byte // sealed plaintext, or the commit salt
	added      []string
	removed    []string
}

func (m wireMessage) header() []byte {
	var b []byte
	b = appendVarint(b, 1, m.kind)
	b = appendBytes(b, 2, m.groupID)
	b = appendVarint(b, 3, m.epoch)
	b = appendBytes(b, 4, []byte(m.sender))
	b = appendVarint(b, 5, m.generation)
	return b
}

func (m wireMessage) marshal() []byte {
	b := m.header()
	b = appendBytes(b, 6, m.nonce)
	b = appendBytes(b, 7, m.payload)
	for _, a := range m.added {
		b = appendBytes(b, 8, []byte(a))
	}
	for _, r := range m.removed {
		b = appendBytes(b, 9, []byte(r))
	}
	return b
}

func unmarshalMessage(b []byte) (wireMessage, error) {
	fields, err := parseFields(b)
	if err != nil {
		return wireMessage{}, fmt.Errorf("memengine: message: %w", err)
	}
	var m wireMessage
	for _, f := range fields {
		switch f.num {
		case 1:
			m.kind = f.varint
		case 2:
			m.groupID = f.bytes
		case 3:
			m.epoch = f.varint
		case 4:
			m.sender = string(f.bytes)
		case 5:
			m.generation = f.varint
		case 6:
			m.nonce = f.bytes
		case 7:
			m.payload = f.bytes
		case 8:
			m.added = append(m.added, string(f.bytes))
		case 9:
			m.removed = append(m.removed, string(f.bytes))
		}
	}
	if m.kind != kindApplication && m.kind != kindCommit {
		return wireMessage{}, fmt.Errorf("memengine: message: unknown kind %d", m.kind)
	}
	return m, nil
}
