package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/orchestrator"
)

type command struct {
	name string
	help string
	run  func(ctx context.Context, cfg *Config) error
}

var commands = []command{
	{"address", "print the wallet address", runAddress},
	{"polls", "list the polls of the contract, newest first", runPolls},
	{"create-poll", "create a poll", runCreatePoll},
	{"vote", "cast an encrypted vote", runVote},
	{"end-poll", "end a poll whose end time has passed", runEndPoll},
	{"decrypt", "decrypt the results of an ended poll", runDecrypt},
	{"publish", "decrypt the results of a poll and publish them on-chain", runPublish},
	{"history", "list the journaled transactions, newest first", runHistory},
	{"serve", "serve the HTTP API and follow the contract events", runServe},
}

func lookupCommand(name string) (*command, bool) {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i], true
		}
	}
	return nil, false
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: securevote <command> [flags], run securevote <command> --help for the flags\n")
		os.Exit(2)
	}
	cmd, ok := lookupCommand(os.Args[1])
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(2)
	}

	// Load configuration
	cfg, err := loadConfig(cmd.name, os.Args[2:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Debugw("starting securevote", "version", Version, "command", cmd.name)

	// Validate configuration
	if err := validateConfig(cmd.name, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Cancel on interrupt; a pending transaction stays pending in the
	// journal.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", orchestrator.UserMessage(err))
		log.Debugw("command failed", "command", cmd.name, "error", err.Error())
		cancel()
		os.Exit(1)
	}
}
