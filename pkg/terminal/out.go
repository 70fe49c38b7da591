package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// colorableWriter returns the writer to use for out and whether escape
// sequences should be written to it.
func colorableWriter(out *os.File) (io.Writer, bool) {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" || os.Getenv("NO_COLOR") != "" {
		return out, false
	}
	if !isatty.IsTerminal(out.Fd()) {
		return out, false
	}
	return colorable.NewColorable(out), true
}
