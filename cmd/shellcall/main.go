package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/shellcall/internal/config"
	"github.com/mattjoyce/shellcall/internal/log"
	"github.com/mattjoyce/shellcall/internal/shell"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "gather":
		if hasHelpFlag(args) {
			printGatherHelp()
			return 0
		}
		return runGather(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)

	// --- NOUNS ---
	case "history":
		return runHistoryNoun(args)
	case "config":
		return runConfigNoun(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: shellcall version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("shellcall %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`shellcall - run external commands by name, capture their output

Usage:
  shellcall <command> [flags] [-- <cmd> [args...]]

Invocation:
  run       Run one command and wait for it
  gather    Start several commands at once and join them
  serve     Start the HTTP API in the foreground

Resources (Nouns):
  history   Invocation audit log (list, show, prune)
  config    Configuration integrity (check, lock)

General:
  version   Show version information
  help      Show this help message

Commands are looked up on PATH and receive their arguments verbatim; no shell
is involved. When a config sets shell.allow, only listed commands may run.

Use 'shellcall <command> --help' for command-specific flags.
`)
}

func printRunHelp() {
	fmt.Println("Usage: shellcall run [--config PATH] [--timeout D] [-v] -- <cmd> [args...]")
	fmt.Println("Run a command, write its stdout unchanged and exit with its status.")
	fmt.Println("Exit status is the child's own, 127 if not found, 126 if it cannot be")
	fmt.Println("launched, 124 on timeout, 130 when interrupted.")
}

func printGatherHelp() {
	fmt.Println("Usage: shellcall gather [--config PATH] [--timeout D] [--watch] [-v] -- <cmd> [args...] ::: <cmd> [args...]")
	fmt.Println("Start every command concurrently, wait for all of them and print each")
	fmt.Println("result as a task block, in the order given.")
	fmt.Println("Commands are separated by ':::'. Other arguments, '--' included, reach")
	fmt.Println("the command unchanged.")
}

func printServeHelp() {
	fmt.Println("Usage: shellcall serve [--config PATH]")
	fmt.Println("Start the HTTP API. Requires api.enabled, api.auth.api_key and shell.allow.")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// hasHelpFlag only looks at the leading flags, stopping where the flag
// package would: at "--" or the first non-flag argument. "run grep -h"
// and "run -- grep -h" both reach grep.
func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--" || arg == "-" || !strings.HasPrefix(arg, "-") {
			return false
		}
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// setupLogging keeps the CLI quiet unless asked: stderr belongs to the
// invoked command's diagnostics.
func setupLogging(cfg *config.Config, verbose bool) {
	level := "warn"
	if verbose {
		level = cfg.Service.LogLevel
	}
	log.Setup(level)
}

func shellOptions(cfg *config.Config, extra ...shell.Option) []shell.Option {
	opts := []shell.Option{
		shell.WithTimeout(cfg.Shell.Timeout),
		shell.WithGracePeriod(cfg.Shell.GracePeriod),
		shell.WithMaxStderrBytes(cfg.Shell.MaxStderrBytes),
		shell.WithDir(cfg.Shell.Dir),
		shell.WithEnv(cfg.Shell.Env),
	}
	return append(opts, extra...)
}
