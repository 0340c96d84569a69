// Command cardledger runs the CardLedger API and its operational helpers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/cardledger/cardledger/internal/app"
)

func main() {
	if app.SkipStartup("cardledger") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	commander := subcommands.NewCommander(flag.CommandLine, "cardledger")
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&integrityCmd{}, "operations")
	commander.Register(&jobsCmd{}, "operations")

	flag.Parse()
	if flag.NArg() == 0 {
		os.Exit(int((&serveCmd{}).Execute(ctx, flag.CommandLine)))
	}
	os.Exit(int(commander.Execute(ctx)))
}
