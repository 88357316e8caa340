// Package cli is the apex/log handler used for both the terminal and the
// rotated log file.
package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	color2 "github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

var Default = New(os.Stderr, true)

var (
	bold    = color2.New(color2.Bold)
	boldred = color2.New(color2.Bold, color2.FgRed)
)

var Strings = [...]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  " INFO",
	log.WarnLevel:  " WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

// sensitive fields are shortened before they are written anywhere. A token is
// a bearer capability until it is consumed, so it never lands in a log file in
// full.
var sensitive = map[string]bool{
	"token":         true,
	"authorization": true,
	"cookie":        true,
}

type Handler struct {
	mu      sync.Mutex
	Writer  io.Writer
	Padding int
}

func New(w io.Writer, useColors bool) *Handler {
	if f, ok := w.(*os.File); ok && useColors {
		return &Handler{Writer: colorable.NewColorable(f), Padding: 2}
	}
	return &Handler{Writer: colorable.NewNonColorable(w), Padding: 2}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	color := cli.Colors[e.Level]
	level := Strings[e.Level]
	names := e.Fields.Names()

	h.mu.Lock()
	defer h.mu.Unlock()

	color.Fprintf(h.Writer, "%s: [%s] %-25s", bold.Sprintf("%*s", h.Padding+1, level), e.Timestamp.Format(time.StampMilli), e.Message)

	for _, name := range names {
		if name == "source" {
			continue
		}
		v := e.Fields.Get(name)
		if sensitive[name] {
			v = Redact(fmt.Sprint(v))
		}
		fmt.Fprintf(h.Writer, " %s=%v", color.Sprint(name), v)
	}

	fmt.Fprintln(h.Writer)

	if err, ok := e.Fields.Get("error").(error); ok && e.Level >= log.ErrorLevel {
		// Attach the stacktrace if it is missing at this point, but don't point
		// it specifically to this line since that is irrelevant.
		err = errors.WithStackDepthIf(err, 1)
		fmt.Fprintf(h.Writer, "\n%s\n%+v\n\n", boldred.Sprintf("Stacktrace:"), err)
	}

	return nil
}

// Redact keeps the first few characters of a secret value so that log lines
// can still be correlated.
func Redact(v string) string {
	if len(v) <= 8 {
		return "[redacted]"
	}
	return v[:8] + "…[redacted]"
}
