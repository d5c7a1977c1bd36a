package mls

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes the bundle for the commit-bundles endpoint.
func (b CommitBundle) Marshal() []byte {
	var out []byte
	for _, f := range []struct {
		num protowire.Number
		v   []byte
	}{{1, b.GroupID}, {2, b.Commit}, {3, b.Welcome}, {4, b.GroupInfo}} {
		if len(f.v) == 0 {
			continue
		}
		out = protowire.AppendTag(out, f.num, protowire.BytesType)
		out = protowire.AppendBytes(out, f.v)
	}
	return out
}

// UnmarshalCommitBundle decodes a bundle produced by Marshal.
func UnmarshalCommitBundle(b []byte) (CommitBundle, error) {
	var cb CommitBundle
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return CommitBundle{}, fmt.Errorf("mls: commit bundle: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return CommitBundle{}, fmt.Errorf("mls: commit bundle: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return CommitBundle{}, fmt.Errorf("mls: commit bundle: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			cb.GroupID = GroupID(v)
		case 2:
			cb.Commit = v
		case 3:
			cb.Welcome = v
		case 4:
			cb.GroupInfo = v
		}
	}
	if len(cb.Commit) == 0 {
		return CommitBundle{}, errors.New("mls: commit bundle: missing commit")
	}
	return cb, nil
}
