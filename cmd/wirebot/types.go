package main

import (
	"fmt"

	"github.com/google/uuid"

	wire "github.com/gwillem/wire-go"
)

// qualifiedID parses "uuid@domain" from command line arguments.
type qualifiedID struct {
	wire.QualifiedID
}

func (q *qualifiedID) UnmarshalFlag(val string) error {
	id, err := wire.ParseQualifiedID(val)
	if err != nil {
		return fmt.Errorf("invalid id %q (use uuid@domain)", val)
	}
	q.QualifiedID = id
	return nil
}

func (q qualifiedID) MarshalFlag() (string, error) {
	if q.IsZero() {
		return "", nil
	}
	return q.String(), nil
}

func unwrap(ids []qualifiedID) []wire.QualifiedID {
	out := make([]wire.QualifiedID, len(ids))
	for i, id := range ids {
		out[i] = id.QualifiedID
	}
	return out
}

// teamID parses a team uuid.
type teamID struct {
	set bool
	id  wire.TeamID
}

func (t *teamID) UnmarshalFlag(val string) error {
	id, err := uuid.Parse(val)
	if err != nil {
		return fmt.Errorf("invalid team id %q: %w", val, err)
	}
	t.id = wire.TeamID(id)
	t.set = true
	return nil
}

func (t teamID) MarshalFlag() (string, error) {
	if !t.set {
		return "", nil
	}
	return t.id.String(), nil
}
