package main

import (
	"testing"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestParseCreateArgs(t *testing.T) {
	alice := uuid.New()
	team := uuid.New()

	var o struct {
		Create createCommand `command:"create"`
	}
	p := flags.NewParser(&o, flags.None)
	p.CommandHandler = func(flags.Commander, []string) error { return nil }
	_, err := p.ParseArgs([]string{"create", "--channel", "--team", team.String(), "ops", alice.String() + "@example.com"})
	require.NoError(t, err)

	require.True(t, o.Create.Channel)
	require.True(t, o.Create.Team.set)
	require.Equal(t, team, uuid.UUID(o.Create.Team.id))
	require.Equal(t, "ops", o.Create.Args.Name)
	require.Len(t, o.Create.Args.Members, 1)
	require.Equal(t, alice, o.Create.Args.Members[0].ID)
	require.Equal(t, "example.com", o.Create.Args.Members[0].Domain)
}

func TestParseRejectsBadID(t *testing.T) {
	var o struct {
		Send sendCommand `command:"send"`
	}
	p := flags.NewParser(&o, flags.None)
	p.CommandHandler = func(flags.Commander, []string) error { return nil }
	_, err := p.ParseArgs([]string{"send", "not-an-id", "hello"})
	require.ErrorContains(t, err, "uuid@domain")
}
