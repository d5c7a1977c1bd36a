package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Args struct {
		Conversation qualifiedID `positional-arg-name:"conversation" required:"true" description:"Conversation id (uuid@domain)"`
		Message      string      `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.SendText(ctx, cmd.Args.Conversation.QualifiedID, cmd.Args.Message)
	if err != nil {
		return err
	}
	fmt.Printf("Message %s sent to %s\n", id, cmd.Args.Conversation)
	return nil
}
