package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/shellcall/internal/config"
	"github.com/mattjoyce/shellcall/internal/doctor"
	"github.com/mattjoyce/shellcall/internal/history"
	"github.com/mattjoyce/shellcall/internal/log"
	"github.com/mattjoyce/shellcall/internal/shell"
)

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	if hasHelpFlag(actionArgs) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "list", "ls":
		return runHistoryList(actionArgs)
	case "show":
		return runHistoryShow(actionArgs)
	case "prune":
		return runHistoryPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
}

func printHistoryNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: shellcall history <action> [--config PATH]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  list [--limit N] [--command NAME] [--state STATE] [--since DURATION|RFC3339] [--json]")
	fmt.Fprintln(w, "  show <invocation_id> [--json]")
	fmt.Fprintln(w, "  prune [--retention DURATION]")
}

// openHistory loads the config and opens its history database.
func openHistory(ctx context.Context, configPath string) (*config.Config, *history.Store, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.History.Enabled {
		return nil, nil, errors.New("history is disabled; set history.enabled in the config")
	}
	setupLogging(cfg, false)

	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history %s: %w", cfg.History.Path, err)
	}
	return cfg, store, nil
}

func runHistoryList(args []string) int {
	var (
		configPath, command, state, since string
		limit                             int
		jsonOut                           bool
	)
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.IntVar(&limit, "limit", history.DefaultListLimit, "Maximum entries to show")
	fs.StringVar(&command, "command", "", "Only this command name")
	fs.StringVar(&state, "state", "", "Only this state (created, launched, completed, launch_failed)")
	fs.StringVar(&since, "since", "", "Only entries newer than a duration ago or an RFC3339 time")
	fs.BoolVar(&jsonOut, "json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filter := history.Filter{Command: command, State: shell.State(state), Limit: limit}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --since: %v\n", err)
			return 1
		}
		filter.Since = t
	}

	ctx := context.Background()
	_, store, err := openHistory(ctx, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	entries, err := store.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list history: %v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(entries)
	}
	printEntries(os.Stdout, entries)
	return 0
}

func printEntries(out io.Writer, entries []history.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSTATE\tEXIT\tDURATION\tCOMMAND")
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprintf("%d", *e.ExitCode)
		}
		if e.ErrorKind != "" && e.ErrorKind != shell.KindNonZeroExit {
			exit = e.ErrorKind
		}
		dur := "-"
		if e.DurationMS != nil {
			dur = (time.Duration(*e.DurationMS) * time.Millisecond).String()
		}
		inv := shell.Invocation{Command: e.Command, Args: e.Args}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.State, exit, dur, inv.String())
	}
	_ = w.Flush()
}

func runHistoryShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&jsonOut, "json", false, "Output as JSON")

	// The id is positional and may come before the flags.
	var id string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && id == "" {
			id = arg
		} else {
			remaining = append(remaining, arg)
		}
	}
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: shellcall history show <invocation_id> [--config PATH] [--json]")
		return 1
	}

	ctx := context.Background()
	_, store, err := openHistory(ctx, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	e, err := store.Get(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(e)
	}
	printEntry(os.Stdout, e)
	return 0
}

func printEntry(w io.Writer, e *history.Entry) {
	inv := shell.Invocation{Command: e.Command, Args: e.Args}
	fmt.Fprintf(w, "id:         %s\n", e.ID)
	fmt.Fprintf(w, "command:    %s\n", inv.String())
	fmt.Fprintf(w, "state:      %s\n", e.State)
	if e.ExitCode != nil {
		fmt.Fprintf(w, "exit_code:  %d\n", *e.ExitCode)
	}
	if e.ErrorKind != "" {
		fmt.Fprintf(w, "error:      [%s] %s\n", e.ErrorKind, e.Error)
	}
	fmt.Fprintf(w, "created_at: %s\n", e.CreatedAt.Format(time.RFC3339Nano))
	if e.StartedAt != nil {
		fmt.Fprintf(w, "started_at: %s\n", e.StartedAt.Format(time.RFC3339Nano))
	}
	if e.DurationMS != nil {
		fmt.Fprintf(w, "duration:   %s\n", time.Duration(*e.DurationMS)*time.Millisecond)
	}
	fmt.Fprintf(w, "stdout:     %d bytes", e.StdoutBytes)
	if e.StdoutBlake3 != "" {
		fmt.Fprintf(w, " blake3:%s", e.StdoutBlake3)
	}
	fmt.Fprintln(w)
	if e.Stderr != "" {
		suffix := ""
		if e.StderrTruncated {
			suffix = " (truncated)"
		}
		fmt.Fprintf(w, "stderr%s:\n%s", suffix, e.Stderr)
		if !strings.HasSuffix(e.Stderr, "\n") {
			fmt.Fprintln(w)
		}
	}
}

func runHistoryPrune(args []string) int {
	var configPath string
	var retention time.Duration

	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.DurationVar(&retention, "retention", 0, "Override history.retention")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	cfg, store, err := openHistory(ctx, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if retention <= 0 {
		retention = cfg.History.Retention
	}
	n, err := store.Prune(ctx, retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prune history: %v\n", err)
		return 1
	}
	log.Info("pruned history", "deleted", n, "retention", retention.String())
	fmt.Printf("Pruned %d invocation(s) older than %s\n", n, retention)
	return 0
}

// parseSince accepts a duration ago ("24h") or an RFC3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %q is negative", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a duration nor an RFC3339 time", s)
	}
	return t, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: shellcall config <action>")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: shellcall config check [--config PATH] [--format human|json] [--json] [--strict]")
	fmt.Println("Validate configuration, allow-list and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: shellcall config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Record the BLAKE3 hash of the config in the .checksums manifest beside it.")
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	setupLogging(cfg, false)

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	if isVerbose {
		fmt.Printf("config:    %s\n", report.ConfigPath)
		fmt.Printf("checksums: %s\n", report.ChecksumPath)
		fmt.Printf("blake3:    %s\n", report.Hash)
	}
	if dryRun {
		fmt.Printf("Dry run: %s would be locked\n", report.ConfigPath)
		return 0
	}
	fmt.Printf("Locked %s\n", report.ConfigPath)
	return 0
}
