package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/clawsync/internal/config"
	"github.com/basket/clawsync/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	return runDoctor(ctx, args, os.Stdout, os.Stderr, isatty.IsTerminal(os.Stdout.Fd()))
}

func runDoctor(ctx context.Context, args []string, stdout, stderr io.Writer, icons bool) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(stderr, "usage: clawsync doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "clawsync doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "%s %-12s: %s\n", statusMarker(res.Status, icons), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

func statusMarker(status string, icons bool) string {
	if !icons {
		return "[" + status + "]"
	}
	switch status {
	case "FAIL":
		return "❌"
	case "WARN":
		return "⚠️ "
	case "SKIP":
		return "⏩"
	default:
		return "✅"
	}
}
