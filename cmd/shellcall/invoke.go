package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/shellcall/internal/config"
	"github.com/mattjoyce/shellcall/internal/events"
	"github.com/mattjoyce/shellcall/internal/future"
	"github.com/mattjoyce/shellcall/internal/history"
	"github.com/mattjoyce/shellcall/internal/log"
	"github.com/mattjoyce/shellcall/internal/policy"
	"github.com/mattjoyce/shellcall/internal/shell"
	"github.com/mattjoyce/shellcall/internal/tui/watch"
)

// exitUsage is returned for bad flags or config, leaving 1 to the child.
const exitUsage = 2

// newRunner builds the configured shell, guarded when an allow-list is set.
func newRunner(cfg *config.Config, extra ...shell.Option) shell.Runner {
	sh := shell.New(shellOptions(cfg, extra...)...)
	if len(cfg.Shell.Allow) == 0 {
		return sh
	}
	return policy.NewGuard(sh, cfg.Shell.Allow)
}

// withHistory opens the history store when enabled and returns the option
// that records into it. The close func is never nil.
func withHistory(ctx context.Context, cfg *config.Config) ([]shell.Option, func(), error) {
	if !cfg.History.Enabled {
		return nil, func() {}, nil
	}
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history %s: %w", cfg.History.Path, err)
	}
	return []shell.Option{shell.WithRecorder(store)}, func() { _ = store.Close() }, nil
}

type invokeFlags struct {
	configPath string
	timeout    durationFlag
	verbose    bool
}

func (f *invokeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.Var(&f.timeout, "timeout", "Override shell.timeout (0 disables)")
	fs.BoolVar(&f.verbose, "v", false, "Log to stderr at the configured level")
}

func (f *invokeFlags) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.timeout.set {
		cfg.Shell.Timeout = f.timeout.d
	}
	setupLogging(cfg, f.verbose)
	return cfg, nil
}

func runRun(args []string) int {
	var flags invokeFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.Usage = printRunHelp
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if fs.NArg() == 0 {
		printRunHelp()
		return exitUsage
	}

	cfg, err := flags.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	inv, err := shell.NewInvocation(fs.Arg(0), fs.Args()[1:]...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid command: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, closeHistory, err := withHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer closeHistory()

	runner := newRunner(cfg, opts...)
	var res *shell.Result
	if cfg.Shell.Async {
		res, err = shell.Async(runner).Start(ctx, inv).Wait()
	} else {
		res, err = runner.Run(ctx, inv)
	}
	return reportRun(os.Stdout, os.Stderr, res, err)
}

// reportRun writes stdout unchanged and, on failure, the child's stderr.
// Our own message is added only when the child could not speak for itself.
func reportRun(stdout, stderr io.Writer, res *shell.Result, err error) int {
	if res != nil {
		_, _ = io.WriteString(stdout, res.Stdout)
	}
	if err == nil {
		return 0
	}
	if res != nil && res.Stderr != "" {
		_, _ = io.WriteString(stderr, res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			_, _ = io.WriteString(stderr, "\n")
		}
	}
	if !errors.Is(err, shell.ErrNonZeroExit) {
		fmt.Fprintf(stderr, "shellcall: %v\n", err)
	}
	return exitStatus(err)
}

func exitStatus(err error) int {
	if errors.Is(err, policy.ErrCommandNotAllowed) {
		return 126
	}
	return shell.ExitStatus(err)
}

func runGather(args []string) int {
	var flags invokeFlags
	fs := flag.NewFlagSet("gather", flag.ContinueOnError)
	fs.Usage = printGatherHelp
	flags.register(fs)
	watchView := fs.Bool("watch", false, "Show live progress on stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	groups := splitGroups(fs.Args())
	if len(groups) == 0 {
		printGatherHelp()
		return exitUsage
	}

	cfg, err := flags.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	invs := make([]shell.Invocation, 0, len(groups))
	for _, g := range groups {
		inv, err := shell.NewInvocation(g[0], g[1:]...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid command: %v\n", err)
			return exitUsage
		}
		invs = append(invs, inv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	extra, closeHistory, err := withHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer closeHistory()

	var (
		hub *events.Hub
		sub <-chan events.Event
	)
	if *watchView {
		hub = events.NewHub(events.DefaultCapacity)
		defer hub.Close()
		extra = append(extra, shell.WithPublisher(hub))

		var unsubscribe func()
		sub, unsubscribe = hub.Subscribe()
		defer unsubscribe()
	}

	async := shell.Async(newRunner(cfg, extra...))
	futures := make([]*future.Future[*shell.Result], len(invs))
	for i, inv := range invs {
		futures[i] = async.Start(ctx, inv)
	}

	if hub != nil && watchGather(invs, sub, futures) {
		for _, fu := range futures {
			fu.Cancel()
		}
	}

	if _, err := future.WaitAll(ctx, futures...); err != nil {
		log.Debug("gather finished with errors", "error", err)
	}

	// WaitAll returns early on interrupt; the cancelled children are still
	// reaped and reported.
	code := 0
	for _, fu := range futures {
		res, err := fu.Wait()
		if werr := watch.RenderTask(os.Stdout, res, err); werr != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", werr)
			return 1
		}
		if err != nil && code == 0 {
			code = exitStatus(err)
		}
	}
	return code
}

// watchGather shows the progress view until every future is done or the
// user quits. It reports whether the user quit early.
func watchGather(invs []shell.Invocation, sub <-chan events.Event, futures []*future.Future[*shell.Result]) bool {
	p := tea.NewProgram(watch.New(invs, sub), tea.WithOutput(os.Stderr))

	// Dropped events must not leave the view waiting forever.
	go func() {
		for _, fu := range futures {
			<-fu.Done()
		}
		p.Quit()
	}()

	final, err := p.Run()
	if err != nil {
		log.Warn("watch view failed", "error", err)
		return false
	}
	m, ok := final.(watch.Model)
	return ok && m.Interrupted()
}

// groupSeparator ends one gathered command and starts the next. Any other
// argument, "--" included, is passed to the command unchanged.
const groupSeparator = ":::"

// splitGroups splits args on groupSeparator into one argv per command.
func splitGroups(args []string) [][]string {
	var (
		groups [][]string
		cur    []string
	)
	for _, a := range args {
		if a == groupSeparator {
			if len(cur) > 0 {
				groups = append(groups, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// durationFlag is a flag.Value that remembers whether it was given, so an
// explicit 0 can disable the configured timeout.
type durationFlag struct {
	d   time.Duration
	set bool
}

func (f *durationFlag) String() string { return f.d.String() }

func (f *durationFlag) Set(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	f.d, f.set = d, true
	return nil
}
