package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type conversationsCommand struct {
	Sync    bool `long:"sync" description:"Sync conversations from the backend before listing"`
	Members bool `short:"m" long:"members" description:"Also list members"`
}

func (cmd *conversationsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Sync {
		n, err := c.SyncConversations(ctx)
		if err != nil {
			return fmt.Errorf("sync conversations: %w", err)
		}
		fmt.Printf("Synced %d conversations from the backend.\n\n", n)
	}

	convs, err := c.Conversations()
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Println("No conversations found.")
		return nil
	}

	fmt.Printf("Found %d conversation(s):\n\n", len(convs))
	for _, conv := range convs {
		name := conv.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s\n", name)
		fmt.Printf("    ID:    %s\n", conv.ID)
		fmt.Printf("    Kind:  %s\n", conv.Kind)
		if conv.TeamID != nil {
			fmt.Printf("    Team:  %s\n", conv.TeamID)
		}
		if conv.Established() {
			fmt.Printf("    Group: %x\n", conv.GroupID)
		} else {
			fmt.Println("    Group: (not established)")
		}
		if cmd.Members {
			members, err := c.Members(conv.ID)
			if err != nil {
				return fmt.Errorf("list members of %s: %w", conv.ID, err)
			}
			for _, m := range members {
				fmt.Printf("      %s (%s)\n", m.UserID, m.Role)
			}
		}
		fmt.Println()
	}
	return nil
}
