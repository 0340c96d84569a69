package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/cardledger/cardledger/cmd/cardledger/cli"
	"github.com/cardledger/cardledger/internal/app"
	"github.com/cardledger/cardledger/jobs"
)

type integrityCmd struct {
	pageSize int
	json     bool
}

func (*integrityCmd) Name() string     { return "integrity" }
func (*integrityCmd) Synopsis() string { return "scan every inventory line for invariant violations" }
func (*integrityCmd) Usage() string {
	return `cardledger integrity [-page-size <n>] [-json]

  Runs the ledger integrity scan synchronously against PostgreSQL and exits
  with status 10 when a line holds negative stock or keeps cost basis at zero
  quantity.
`
}

func (c *integrityCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.pageSize, "page-size", 500, "Lines read per page.")
	f.BoolVar(&c.json, "json", false, "Print the report as JSON.")
}

func (c *integrityCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	pool, svc, err := openInventory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrity: %v\n", err)
		return subcommands.ExitFailure
	}
	defer pool.Close()
	return subcommands.ExitStatus(cli.IntegrityCommand(ctx, svc, cli.IntegrityOptions{PageSize: c.pageSize, JSONOutput: c.json}))
}

type jobsCmd struct {
	trigger string
	json    bool
}

func (*jobsCmd) Name() string     { return "jobs" }
func (*jobsCmd) Synopsis() string { return "inspect the job queue and trigger jobs" }
func (*jobsCmd) Usage() string {
	return fmt.Sprintf(`cardledger jobs [-trigger <%s|%s>] [-json]

  Prints the default queue state, optionally enqueueing a job first.
`, jobs.TaskLedgerIntegrity, jobs.TaskIdempotencyCleanup)
}

func (c *jobsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.trigger, "trigger", "", "Job to enqueue before reporting.")
	f.BoolVar(&c.json, "json", false, "Print the queue state as JSON.")
}

func (c *jobsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	helper := cli.NewJobsCLI(cfg.RedisAddr, cfg.IdempotencyRetention)
	defer func() { _ = helper.Close() }()
	return subcommands.ExitStatus(helper.JobsCommand(ctx, cli.JobsOptions{Trigger: c.trigger, JSONOutput: c.json}))
}
