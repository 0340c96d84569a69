package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cardledger/cardledger/jobs"
)

// IntegrityOptions defines available flags for the integrity command.
type IntegrityOptions struct {
	PageSize   int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// IntegritySummary describes the JSON response for integrity.
type IntegritySummary struct {
	OK         bool     `json:"ok"`
	Scanned    int      `json:"scanned"`
	Violations []string `json:"violations"`
}

// IntegrityCommand scans the ledger synchronously and prints the outcome.
// It exits 10 when violations were found.
func IntegrityCommand(ctx context.Context, scanner jobs.IntegrityScanner, opts IntegrityOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.PageSize < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "integrity: --page-size must not be negative")
		return 1
	}
	report, err := scanner.CheckIntegrity(ctx, opts.PageSize)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	summary := IntegritySummary{OK: len(report.Violations) == 0, Scanned: report.Scanned, Violations: make([]string, 0, len(report.Violations))}
	for _, v := range report.Violations {
		summary.Violations = append(summary.Violations, v.Error())
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "integrity: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "Scanned %d inventory lines.\n", summary.Scanned)
		if summary.OK {
			_, _ = fmt.Fprintln(opts.Stdout, "No invariant violations.")
		} else {
			_, _ = fmt.Fprintf(opts.Stdout, "%d violation(s):\n", len(summary.Violations))
			for _, v := range summary.Violations {
				_, _ = fmt.Fprintf(opts.Stdout, " - %s\n", v)
			}
		}
	}
	if !summary.OK {
		return 10
	}
	return 0
}
