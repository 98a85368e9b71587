package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/cron"
	"github.com/basket/clawsync/internal/ledger"
	"github.com/basket/clawsync/internal/persistence"
)

const statusRecentRuns = 5

type statusReport struct {
	Home       string            `json:"home"`
	Configured bool              `json:"configured"`
	Reason     string            `json:"reason,omitempty"`
	Ledger     ledger.Stats      `json:"ledger"`
	LedgerErr  string            `json:"ledger_error,omitempty"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	Recent     []persistence.Run `json:"recent_runs,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	return runStatus(ctx, args, os.Stdout, os.Stderr)
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	flags.SetOutput(stderr)
	jsonOutput := flags.Bool("json", false, "print the report as JSON")
	if err := flags.Parse(args); err != nil || flags.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: clawsync status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}

	report := statusReport{Home: cfg.HomeDir, Configured: true}
	if err := cfg.Sync.Ready(); err != nil {
		report.Configured = false
		report.Reason = err.Error()
	}

	l, err := ledger.LoadStrict(cfg.HomeDir)
	if err != nil {
		report.LedgerErr = err.Error()
	} else {
		report.Ledger = l.Stats()
		if last := report.Ledger.LastRunAt; last != nil {
			if next, err := cron.NextRunTime(cfg.Sync.Interval, *last); err == nil {
				report.NextRun = &next
			}
		}
	}

	dbPath := persistence.Path(cfg.HomeDir)
	if _, err := os.Stat(dbPath); err == nil {
		store, err := persistence.Open(dbPath)
		if err != nil {
			fmt.Fprintf(stderr, "history: %v\n", err)
			return 1
		}
		report.Recent, err = store.RecentRuns(ctx, statusRecentRuns)
		store.Close()
		if err != nil {
			fmt.Fprintf(stderr, "history: %v\n", err)
			return 1
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	printStatus(stdout, report)
	return 0
}

func printStatus(w io.Writer, r statusReport) {
	fmt.Fprintf(w, "Home: %s\n", r.Home)
	if !r.Configured {
		fmt.Fprintf(w, "Sync: not configured (%s)\n", r.Reason)
	}
	if r.LedgerErr != "" {
		fmt.Fprintf(w, "Ledger: unreadable, will be reset on the next cycle (%s)\n", r.LedgerErr)
	} else {
		fmt.Fprintf(w, "Ledger: %d sessions, %d skills (%d available)\n",
			r.Ledger.Files, r.Ledger.Skills, r.Ledger.Available)
		if r.Ledger.LastRunAt != nil {
			fmt.Fprintf(w, "Last cycle: %s\n", r.Ledger.LastRunAt.Local().Format(time.RFC3339))
		} else {
			fmt.Fprintln(w, "Last cycle: never")
		}
		if r.NextRun != nil {
			fmt.Fprintf(w, "Next cycle: %s\n", r.NextRun.Local().Format(time.RFC3339))
		}
	}
	if len(r.Recent) == 0 {
		return
	}
	fmt.Fprintln(w, "---")
	for _, run := range r.Recent {
		status := "ok"
		if run.ErrorCount > 0 {
			status = fmt.Sprintf("%d errors", run.ErrorCount)
		}
		fmt.Fprintf(w, "%s  %-8s  sessions %d/%d  skills %d (-%d)  %s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Trigger,
			run.SessionsUploaded,
			run.SessionsUploaded+run.SessionsFailed+run.SessionsDeferred,
			run.SkillsUploaded,
			run.SkillsRemoved,
			status,
		)
	}
}
