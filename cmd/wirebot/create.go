package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	wire "github.com/gwillem/wire-go"
)

type createCommand struct {
	Team    teamID `long:"team" description:"Team owning the conversation"`
	Channel bool   `long:"channel" description:"Create a team channel instead of a group"`
	Args    struct {
		Name    string        `positional-arg-name:"name" required:"true" description:"Conversation name"`
		Members []qualifiedID `positional-arg-name:"member" description:"Users to add (uuid@domain)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *createCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if cmd.Channel && !cmd.Team.set {
		return fmt.Errorf("--channel needs --team")
	}

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var (
		conv *wire.Conversation
		res  wire.ClaimResult
	)
	members := unwrap(cmd.Args.Members)
	switch {
	case cmd.Channel:
		conv, res, err = c.CreateChannel(ctx, cmd.Args.Name, cmd.Team.id, members...)
	case cmd.Team.set:
		conv, res, err = c.CreateGroup(ctx, cmd.Args.Name, &cmd.Team.id, members...)
	default:
		conv, res, err = c.CreateGroup(ctx, cmd.Args.Name, nil, members...)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Created %s (%s), %d member(s) added\n", conv.ID, conv.Kind, len(res.Succeeded))
	printClaims(res)
	return nil
}

type oneToOneCommand struct {
	Args struct {
		User qualifiedID `positional-arg-name:"user" required:"true" description:"User id (uuid@domain)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *oneToOneCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	conv, err := c.CreateOneToOne(ctx, cmd.Args.User.QualifiedID)
	if err != nil {
		return err
	}
	fmt.Printf("One-to-one with %s: %s\n", cmd.Args.User, conv.ID)
	return nil
}
