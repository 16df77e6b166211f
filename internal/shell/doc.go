// Package shell runs external executables by name and captures their output.
//
// A Shell maps a command name straight to an executable found on the host PATH
// and spawns exactly one child process per call. Arguments are handed to the
// process as a discrete argv: there is no shell grammar, so spaces, quotes and
// globs reach the program unchanged.
//
// Modes:
//   - New returns a synchronous Shell. Invoke blocks until the child exits.
//   - NewAsync (or Async around any Runner) returns an AsyncShell. Invoke returns
//     a future.Future immediately; errors surface at Wait. Use future.WaitAll to
//     join several invocations; completion order between them is unspecified.
//
// Output:
//   - Stdout and stderr are captured into separate buffers and never merged.
//   - Bytes are converted to string as-is. Invalid UTF-8 is preserved and the
//     trailing newline is kept exactly as the program wrote it. Result.TrimmedStdout
//     and Result.Lines are the explicit ways to drop it.
//   - Stdout is not capped. Stderr is capped (64 KiB by default) and
//     Result.StderrTruncated reports a cut.
//
// Errors (all carried by *Error, test with errors.Is):
//   - ErrExecutableNotFound: PATH lookup failed or the given path does not exist.
//   - ErrLaunchFailure: the OS refused to start the process.
//   - ErrNonZeroExit: the process ran and exited non-zero; ExitCode and Stderr are set
//     and the Result is returned alongside the error.
//   - ErrTimedOut: the configured timeout fired. The child gets SIGTERM, then
//     SIGKILL after the grace period.
//
// Cancelling the context terminates the child the same way; the returned error
// wraps ctx.Err().
//
// Lifecycle per invocation: created -> launched -> completed, or
// created -> launch_failed. There is no retry. Transitions are published to an
// optional Publisher and launched/terminal records go to an optional Recorder.
//
// Security: the command name is whatever text the caller passes. Anything that
// feeds untrusted input into a Shell is arbitrary command execution unless the
// Shell is wrapped in an allow-list (see package policy). The Shell itself does
// not validate names.
package shell
