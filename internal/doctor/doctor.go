// Package doctor reports configuration problems that parse cleanly but
// would surprise an operator at run time.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/shellcall/internal/config"
	"github.com/mattjoyce/shellcall/internal/policy"
)

const minAPIKeyLength = 16

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host it runs on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateShell(r)
	d.validateAllowList(r)
	d.validateAPI(r)
	d.validateHistory(r)
	d.validateIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateShell(r *Result) {
	sh := d.cfg.Shell
	if sh.Timeout == 0 {
		d.addWarning(r, "shell", "shell.timeout", "no timeout configured; a hung command blocks its caller forever")
	}
	if sh.Dir != "" {
		info, err := os.Stat(sh.Dir)
		switch {
		case err != nil:
			d.addError(r, "shell", "shell.dir", fmt.Sprintf("working directory %q: %v", sh.Dir, err))
		case !info.IsDir():
			d.addError(r, "shell", "shell.dir", fmt.Sprintf("working directory %q is not a directory", sh.Dir))
		}
	}
}

// validateAllowList checks that every listed command resolves through PATH.
func (d *Doctor) validateAllowList(r *Result) {
	for i, name := range d.cfg.Shell.Allow {
		field := fmt.Sprintf("shell.allow[%d]", i)
		if name == policy.Wildcard {
			if d.cfg.API.Enabled {
				d.addWarning(r, "allow", field, "wildcard permits any command on PATH to be run over the API")
			}
			continue
		}
		if _, err := d.lookPath(name); err != nil {
			d.addWarning(r, "allow", field, fmt.Sprintf("command %q not found on PATH", name))
		}
	}
}

func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if len(api.Auth.APIKey) < minAPIKeyLength {
		d.addWarning(r, "api", "api.auth.api_key", fmt.Sprintf("api_key is shorter than %d characters", minAPIKeyLength))
	}
	if api.RateLimit == 0 {
		d.addWarning(r, "api", "api.rate_limit", "rate limiting disabled")
	}
	host, _, err := net.SplitHostPort(api.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", api.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		d.addWarning(r, "api", "api.listen", fmt.Sprintf("listening on all interfaces (%s)", api.Listen))
	}
}

func (d *Doctor) validateHistory(r *Result) {
	if !d.cfg.History.Enabled {
		return
	}
	if d.cfg.History.Retention == 0 {
		d.addWarning(r, "history", "history.retention", "retention is zero; history is never pruned")
	}
}

// validateIntegrity reports whether the config file matches its lock manifest.
func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		d.addWarning(r, "integrity", "", "no config file found; running on defaults")
		return
	}
	err := config.VerifyChecksum(d.cfg.SourcePath)
	switch {
	case err == nil:
	case errors.Is(err, config.ErrNoManifest):
		d.addWarning(r, "integrity", "", "config is not locked; run 'shellcall config lock'")
	default:
		d.addError(r, "integrity", "", err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, level string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
