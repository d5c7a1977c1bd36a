package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	wire "github.com/gwillem/wire-go"
)

type receiveCommand struct {
	N int `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	inbox := wire.NewInbox(64)
	c, err := startClient(ctx, wire.WithHandler(inbox))
	if err != nil {
		return err
	}
	defer c.Close()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- c.Listen(ctx)
		cancel()
	}()

	fmt.Println("Listening for messages... (Ctrl+C to stop)")

	count := 0
	for m := range inbox.Messages(ctx) {
		printMessage(m)
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}

	c.Close()
	if err := <-listenErr; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printMessage(m wire.Message) {
	meta := m.Metadata()
	ts := meta.Time.Format("2006-01-02 15:04:05")
	prefix := fmt.Sprintf("[%s] %s in %s:", ts, meta.Sender, meta.ConversationID)
	switch m := m.(type) {
	case *wire.Text:
		fmt.Println(prefix, m.Text)
	case *wire.EditedText:
		fmt.Println(prefix, "(edited)", m.Text)
	case *wire.Asset:
		fmt.Println(prefix, "asset", m.Name, m.MimeType)
	case *wire.Reaction:
		fmt.Println(prefix, "reacted", strings.Join(m.Emojis, " "))
	case *wire.Ping:
		fmt.Println(prefix, "ping")
	default:
		fmt.Printf("%s %T\n", prefix, m)
	}
}
