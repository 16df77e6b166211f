package watch

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattjoyce/shellcall/internal/shell"
)

const (
	taskHeader = "== Task =="
	taskFooter = "=========="
)

// RenderTask writes a gathered result as a framed block. Stdout is written
// unchanged; a newline is added before the footer only when stdout lacks
// one. A failed invocation gets its error after the output.
func RenderTask(w io.Writer, res *shell.Result, err error) error {
	var b strings.Builder
	b.WriteString(taskHeader)
	b.WriteByte('\n')
	if res != nil && res.Stdout != "" {
		b.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if err != nil {
		fmt.Fprintf(&b, "!! %s\n", err)
	}
	b.WriteString(taskFooter)
	b.WriteByte('\n')

	_, werr := io.WriteString(w, b.String())
	return werr
}
