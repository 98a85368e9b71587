package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/persistence"
	"github.com/basket/clawsync/internal/syncer"
	"github.com/basket/clawsync/internal/telemetry"
)

func runSyncCommand(ctx context.Context, args []string) int {
	return runSync(ctx, args, os.Stdout, os.Stderr)
}

func runSync(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the summary as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: clawsync sync [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	var history syncer.HistoryRecorder
	store, err := persistence.Open(persistence.Path(cfg.HomeDir))
	if err != nil {
		logger.Warn("history unavailable; cycle will not be recorded", "error", err)
	} else {
		defer store.Close()
		history = store
	}

	eng, err := syncer.New(syncer.Options{
		Config:  cfg,
		Logger:  logger,
		HTTP:    &http.Client{},
		History: history,
	})
	if err != nil {
		if errors.Is(err, config.ErrSyncNotConfigured) {
			fmt.Fprintf(stderr, "%v\nRun `clawsync doctor` for details.\n", err)
		} else {
			fmt.Fprintf(stderr, "sync: %v\n", err)
		}
		return 1
	}

	sum, err := eng.RunCycle(syncer.WithTrigger(ctx, "manual"))
	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(sum); encErr != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", encErr)
			return 1
		}
	} else {
		printSummary(stdout, sum)
	}
	if err != nil || len(sum.Errors) > 0 {
		return 1
	}
	return 0
}

func printSummary(w io.Writer, sum syncer.Summary) {
	fmt.Fprintf(w, "Sync %s (%s, %dms)\n", sum.RunID, sum.Trigger, sum.Duration().Milliseconds())
	fmt.Fprintf(w, "  sessions: %d uploaded, %d failed, %d deferred (%d lines)\n",
		sum.SessionsUploaded, sum.SessionsFailed, sum.SessionsDeferred, sum.LinesUploaded)
	fmt.Fprintf(w, "  skills:   %d uploaded, %d failed, %d removed\n",
		sum.SkillsUploaded, sum.SkillsFailed, sum.SkillsRemoved)
	for _, e := range sum.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
