// Command wirebot is a CLI for MLS conversations on a Wire backend.
//
// Usage:
//
//	wirebot -c wire.json receive              Print incoming messages
//	wirebot -c wire.json conversations        List local conversations
//	wirebot -c wire.json send <conv> <msg>    Send a text message
package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	wire "github.com/gwillem/wire-go"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" env:"WIRE_CONFIG" default:"wire.json" description:"Path to the JSON config file"`
	Token   string `long:"token" env:"WIRE_TOKEN" description:"Access token, overrides the config file"`
	DB      string `long:"db" description:"Path to database file, overrides the config file"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable debug logging"`

	Receive       receiveCommand       `command:"receive" description:"Receive and print incoming messages"`
	Conversations conversationsCommand `command:"conversations" description:"List known conversations (use --sync to refresh from the backend)"`
	Create        createCommand        `command:"create" description:"Create a group or channel"`
	OneToOne      oneToOneCommand      `command:"one2one" description:"Open the one-to-one conversation with a user"`
	Add           addCommand           `command:"add" description:"Add members to a group"`
	Remove        removeCommand        `command:"remove" description:"Remove members from a group"`
	Leave         leaveCommand         `command:"leave" description:"Leave a conversation"`
	Delete        deleteCommand        `command:"delete" description:"Delete a team conversation for everyone"`
	Send          sendCommand          `command:"send" description:"Send a text message"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadConfig() (wire.Config, error) {
	cfg, err := wire.LoadConfig(opts.Config)
	if err != nil {
		return cfg, err
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}
	if opts.Verbose {
		cfg.LogLevel = 0
	}
	return cfg, nil
}

// startClient loads the config, creates the client and starts it. The
// caller closes the client.
func startClient(ctx context.Context, extra ...wire.Option) (*wire.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := wire.New(cfg, extra...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start: %w", err)
	}
	return c, nil
}

func printClaims(res wire.ClaimResult) {
	for _, u := range res.Failed {
		fmt.Printf("  not added: %s (%v)\n", u, res.Errors[u])
	}
}
