package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type membersArgs struct {
	Conversation qualifiedID   `positional-arg-name:"conversation" required:"true" description:"Conversation id (uuid@domain)"`
	Users        []qualifiedID `positional-arg-name:"user" required:"1" description:"Users (uuid@domain)"`
}

type addCommand struct {
	Args membersArgs `positional-args:"true" required:"true"`
}

func (cmd *addCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.AddMembers(ctx, cmd.Args.Conversation.QualifiedID, unwrap(cmd.Args.Users)...)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d member(s) to %s\n", len(res.Succeeded), cmd.Args.Conversation)
	printClaims(res)
	return nil
}

type removeCommand struct {
	Args membersArgs `positional-args:"true" required:"true"`
}

func (cmd *removeCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.RemoveMembers(ctx, cmd.Args.Conversation.QualifiedID, unwrap(cmd.Args.Users)...); err != nil {
		return err
	}
	fmt.Printf("Removed %d user(s) from %s\n", len(cmd.Args.Users), cmd.Args.Conversation)
	return nil
}

type conversationArg struct {
	Conversation qualifiedID `positional-arg-name:"conversation" required:"true" description:"Conversation id (uuid@domain)"`
}

type leaveCommand struct {
	Args conversationArg `positional-args:"true" required:"true"`
}

func (cmd *leaveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.LeaveConversation(ctx, cmd.Args.Conversation.QualifiedID); err != nil {
		return err
	}
	fmt.Printf("Left %s\n", cmd.Args.Conversation)
	return nil
}

type deleteCommand struct {
	Args conversationArg `positional-args:"true" required:"true"`
}

func (cmd *deleteCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.DeleteConversation(ctx, cmd.Args.Conversation.QualifiedID); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", cmd.Args.Conversation)
	return nil
}
