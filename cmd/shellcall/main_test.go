package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/shellcall/internal/config"
	"github.com/mattjoyce/shellcall/internal/history"
	"github.com/mattjoyce/shellcall/internal/shell"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large output cannot fill the pipe and block run.
	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(stdoutR)
		stdoutCh <- b
	}()
	go func() {
		b, _ := io.ReadAll(stderrR)
		stderrCh <- b
	}()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLICaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int {
		return runCLI(args)
	})
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeConfig writes body as config.yaml in a fresh directory and points
// discovery at it.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(config.EnvConfig, path)
	return path
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-03-01T10:20:30+02:00")

	code, stdout, stderr := runCLICaptured(t, "version", "--json")
	if code != 0 {
		t.Fatalf("version --json code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("unmarshal version JSON: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" {
		t.Errorf("Version = %q", info.Version)
	}
	if info.Commit != "0123456789ab" {
		t.Errorf("Commit = %q, want shortened", info.Commit)
	}
	if info.BuildTime != "2026-03-01T08:20:30Z" {
		t.Errorf("BuildTime = %q, want UTC", info.BuildTime)
	}
}

func TestRunVersionHuman(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "unknown")

	code, stdout, _ := runCLICaptured(t, "--version")
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	if !strings.HasPrefix(stdout, "shellcall 1.2.3\ncommit: abc\n") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, _, _ = runCLICaptured(t, "version", "extra")
	if code != 1 {
		t.Fatalf("version with extra args code = %d, want 1", code)
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	if _, ok := normalizeBuildTimeUTC("unknown"); ok {
		t.Fatal("unknown should not normalize")
	}
	if _, ok := normalizeBuildTimeUTC("yesterday"); ok {
		t.Fatal("garbage should not normalize")
	}
	got, ok := normalizeBuildTimeUTC("2026-01-02T03:04:05.123456Z")
	if !ok || got != "2026-01-02T03:04:05Z" {
		t.Fatalf("normalizeBuildTimeUTC() = %q, %v", got, ok)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := runCLICaptured(t, "frobnicate")
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunWritesStdoutVerbatim(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	code, stdout, stderr := runCLICaptured(t, "run", "--", "printf", "hello\n\n")
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if stdout != "hello\n\n" {
		t.Fatalf("stdout = %q, want trailing newlines kept", stdout)
	}
}

func TestRunExitStatuses(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStderr string
	}{
		{
			name:       "child exit code",
			args:       []string{"run", "--", "sh", "-c", "echo partial; echo oops >&2; exit 3"},
			wantCode:   3,
			wantStderr: "oops\n",
		},
		{
			name:       "not found",
			args:       []string{"run", "--", "shellcall-no-such-command-xyz"},
			wantCode:   127,
			wantStderr: "executable not found",
		},
		{
			name:       "timeout",
			args:       []string{"run", "--timeout", "100ms", "--", "sleep", "5"},
			wantCode:   124,
			wantStderr: "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			code, _, stderr := runCLICaptured(t, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d (stderr: %s)", code, tt.wantCode, stderr)
			}
			if !strings.Contains(stderr, tt.wantStderr) {
				t.Fatalf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
			if time.Since(start) > 4*time.Second {
				t.Fatalf("run took %s", time.Since(start))
			}
		})
	}
}

func TestRunAllowList(t *testing.T) {
	writeConfig(t, "shell:\n  allow: [printf]\n")

	code, stdout, _ := runCLICaptured(t, "run", "--", "printf", "ok")
	if code != 0 || stdout != "ok" {
		t.Fatalf("allowed command: code = %d, stdout = %q", code, stdout)
	}

	code, stdout, stderr := runCLICaptured(t, "run", "--", "sh", "-c", "echo escaped")
	if code != 126 {
		t.Fatalf("denied command code = %d, want 126", code)
	}
	if stdout != "" {
		t.Fatalf("denied command produced stdout %q", stdout)
	}
	if !strings.Contains(stderr, "not allowed") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunUsageErrors(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	if code, _, _ := runCLICaptured(t, "run"); code != exitUsage {
		t.Fatalf("run without command code = %d", code)
	}
	if code, _, _ := runCLICaptured(t, "run", "--timeout", "-1s", "--", "true"); code != exitUsage {
		t.Fatalf("negative timeout code = %d", code)
	}
	if code, _, _ := runCLICaptured(t, "run", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--", "true"); code != exitUsage {
		t.Fatalf("missing config code = %d", code)
	}
	if code, stdout, _ := runCLICaptured(t, "run", "--help"); code != 0 || !strings.Contains(stdout, "Usage: shellcall run") {
		t.Fatalf("run --help code = %d, stdout = %q", code, stdout)
	}
}

func TestRunPassesChildHelpFlag(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	tests := []struct {
		name string
		args []string
	}{
		{name: "after command", args: []string{"run", "printf", "%s\n", "-h"}},
		{name: "after separator", args: []string{"run", "--", "printf", "%s\n", "-h"}},
		{name: "after flags", args: []string{"run", "--timeout", "5s", "printf", "%s\n", "-h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCLICaptured(t, tt.args...)
			if code != 0 {
				t.Fatalf("code = %d, stderr: %s", code, stderr)
			}
			if stdout != "-h\n" {
				t.Fatalf("stdout = %q, want the child's output", stdout)
			}
		})
	}

	code, stdout, _ := runCLICaptured(t, "run", "--timeout", "5s", "-h")
	if code != 0 || !strings.Contains(stdout, "Usage: shellcall run") {
		t.Fatalf("run --timeout 5s -h code = %d, stdout = %q", code, stdout)
	}
}

func TestGatherPassesDoubleDash(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	code, stdout, stderr := runCLICaptured(t, "gather",
		"--", "printf", "%s|", "a", "--", "b",
		":::", "printf", "ok")
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	want := "== Task ==\na|--|b|\n==========\n== Task ==\nok\n==========\n"
	if stdout != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
}

func TestGatherPrintsInIssueOrder(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	code, stdout, stderr := runCLICaptured(t, "gather",
		"--", "sh", "-c", "sleep 0.2; printf 'slow\\n'",
		":::", "printf", "fast")
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	want := "== Task ==\nslow\n==========\n== Task ==\nfast\n==========\n"
	if stdout != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
}

func TestGatherReportsFailures(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	code, stdout, _ := runCLICaptured(t, "gather",
		"--", "printf", "ok",
		":::", "shellcall-no-such-command-xyz",
		":::", "sh", "-c", "exit 4")
	if code != 127 {
		t.Fatalf("code = %d, want first failure's status 127", code)
	}
	if strings.Count(stdout, "== Task ==") != 3 {
		t.Fatalf("expected three task blocks:\n%s", stdout)
	}
	if !strings.Contains(stdout, "!! shellcall-no-such-command-xyz: executable not found") {
		t.Fatalf("missing not-found line:\n%s", stdout)
	}
	if !strings.Contains(stdout, "!! sh: exited with status 4") {
		t.Fatalf("missing exit line:\n%s", stdout)
	}
}

func TestSplitGroups(t *testing.T) {
	tests := []struct {
		in   []string
		want [][]string
	}{
		{nil, nil},
		{[]string{":::"}, nil},
		{[]string{"ping", "cabal"}, [][]string{{"ping", "cabal"}}},
		{[]string{"ping", ":::", ":::", "uptime", "-p"}, [][]string{{"ping"}, {"uptime", "-p"}}},
		{[]string{"ssh", "kane@cabal", "--", "df -h", ":::", "uptime"}, [][]string{{"ssh", "kane@cabal", "--", "df -h"}, {"uptime"}}},
	}
	for _, tt := range tests {
		got := splitGroups(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("splitGroups(%q) = %q, want %q", tt.in, got, tt.want)
		}
		for i := range got {
			if strings.Join(got[i], " ") != strings.Join(tt.want[i], " ") {
				t.Fatalf("splitGroups(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestReportRun(t *testing.T) {
	var stdout, stderr strings.Builder

	res := &shell.Result{Stdout: "partial", Stderr: "boom", ExitCode: 2}
	err := &shell.Error{Kind: shell.ErrNonZeroExit, Command: "x", ExitCode: 2, Stderr: "boom"}
	if code := reportRun(&stdout, &stderr, res, err); code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if stdout.String() != "partial" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if stderr.String() != "boom\n" {
		t.Fatalf("stderr = %q, want child's stderr only", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := reportRun(&stdout, &stderr, nil, errors.New("weird")); code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if stderr.String() != "shellcall: weird\n" {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2h", now)
	if err != nil || !got.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("parseSince(2h) = %v, %v", got, err)
	}
	got, err = parseSince("2026-04-30T00:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("parseSince(RFC3339) = %v, %v", got, err)
	}
	if _, err := parseSince("-1h", now); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := parseSince("last week", now); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func TestHistoryRecordsRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	writeConfig(t, "history:\n  enabled: true\n  path: "+dbPath+"\n")

	if code, _, stderr := runCLICaptured(t, "run", "--", "printf", "logged"); code != 0 {
		t.Fatalf("run code = %d, stderr: %s", code, stderr)
	}
	if code, _, _ := runCLICaptured(t, "run", "--", "sh", "-c", "exit 5"); code != 5 {
		t.Fatalf("failing run code = %d", code)
	}

	code, stdout, stderr := runCLICaptured(t, "history", "list", "--json")
	if code != 0 {
		t.Fatalf("history list code = %d, stderr: %s", code, stderr)
	}
	var entries []history.Entry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("unmarshal list: %v\n%s", err, stdout)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Command != "sh" || *entries[0].ExitCode != 5 || entries[0].ErrorKind != shell.KindNonZeroExit {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[1].Command != "printf" || entries[1].StdoutBytes != int64(len("logged")) {
		t.Fatalf("entries[1] = %+v", entries[1])
	}

	code, stdout, _ = runCLICaptured(t, "history", "list", "--command", "printf")
	if code != 0 || !strings.Contains(stdout, "printf logged") || strings.Contains(stdout, "sh -c") {
		t.Fatalf("filtered list code = %d:\n%s", code, stdout)
	}

	code, stdout, _ = runCLICaptured(t, "history", "show", entries[0].ID)
	if code != 0 || !strings.Contains(stdout, "exit_code:  5") {
		t.Fatalf("show code = %d:\n%s", code, stdout)
	}

	code, _, _ = runCLICaptured(t, "history", "show", "no-such-id")
	if code != 1 {
		t.Fatalf("show missing code = %d, want 1", code)
	}

	code, stdout, _ = runCLICaptured(t, "history", "prune", "--retention", "1h")
	if code != 0 || !strings.Contains(stdout, "Pruned 0 invocation(s)") {
		t.Fatalf("prune code = %d: %s", code, stdout)
	}
}

func TestHistoryDisabled(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	code, _, stderr := runCLICaptured(t, "history", "list")
	if code != 1 || !strings.Contains(stderr, "history is disabled") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestConfigLockAndCheck(t *testing.T) {
	path := writeConfig(t, "service:\n  name: test\n")

	code, stdout, stderr := runCLICaptured(t, "config", "lock", "--dry-run", "-v")
	if code != 0 || !strings.Contains(stdout, "Dry run") || !strings.Contains(stdout, "blake3:") {
		t.Fatalf("lock --dry-run code = %d, stdout = %q, stderr = %q", code, stdout, stderr)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), config.ChecksumFile)); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote checksums: %v", err)
	}

	code, stdout, _ = runCLICaptured(t, "config", "check", "--strict")
	if code != 2 || !strings.Contains(stdout, "not locked") {
		t.Fatalf("unlocked strict check code = %d, stdout = %q", code, stdout)
	}

	if code, _, stderr := runCLICaptured(t, "config", "lock"); code != 0 {
		t.Fatalf("lock code = %d, stderr = %q", code, stderr)
	}

	code, stdout, _ = runCLICaptured(t, "config", "check")
	if code != 0 || stdout != "Configuration valid.\n" {
		t.Fatalf("check code = %d, stdout = %q", code, stdout)
	}

	if err := os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	code, _, stderr = runCLICaptured(t, "config", "check", "--json")
	if code != 1 || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("tampered check code = %d, stderr = %q", code, stderr)
	}
}

func TestServeRequiresAPI(t *testing.T) {
	writeConfig(t, "service:\n  name: test\n")

	code, _, stderr := runCLICaptured(t, "serve")
	if code != 1 || !strings.Contains(stderr, "API is disabled") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestServeLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.History.Enabled = true
	cfg.History.Path = "/var/lib/shellcall/history.db"
	if got := serveLockPath(cfg); got != "/var/lib/shellcall/shellcall.lock" {
		t.Fatalf("serveLockPath() = %q", got)
	}

	cfg.History.Enabled = false
	cfg.SourcePath = "/etc/shellcall/config.yaml"
	if got := serveLockPath(cfg); got != "/etc/shellcall/shellcall.lock" {
		t.Fatalf("serveLockPath() = %q", got)
	}
}
