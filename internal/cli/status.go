// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/bodaay/ggufpull/pkg/snapshot"
)

// eventStatus marks CLI status lines in the --json stream.
const eventStatus = "status"

// status prints user-facing step messages on stdout.
type status struct {
	w     io.Writer
	json  bool
	quiet bool

	mu  sync.Mutex
	enc *json.Encoder
}

func newStatus(w io.Writer, ro *RootOpts) *status {
	s := &status{w: w, json: ro.JSONOut, quiet: ro.Quiet}
	if s.json {
		s.enc = json.NewEncoder(w)
		s.enc.SetEscapeHTML(false)
	}
	return s
}

var (
	stepColor = color.New(color.FgCyan)
	okColor   = color.New(color.FgGreen, color.Bold)
	skipColor = color.New(color.FgYellow)
)

// Step reports progress through the pipeline. Suppressed by --quiet.
func (s *status) Step(format string, args ...any) {
	if s.quiet {
		return
	}
	s.print(stepColor, "info", format, args...)
}

// Skip reports a step that did not run. Suppressed by --quiet.
func (s *status) Skip(format string, args ...any) {
	if s.quiet {
		return
	}
	s.print(skipColor, "info", format, args...)
}

// Result reports an outcome the user asked for. Always printed.
func (s *status) Result(format string, args ...any) {
	s.print(okColor, "info", format, args...)
}

func (s *status) print(c *color.Color, level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.json {
		_ = s.enc.Encode(snapshot.ProgressEvent{Time: time.Now().UTC(), Level: level, Event: eventStatus, Message: msg})
		return
	}
	_, _ = c.Fprintln(s.w, msg)
}

// plainProgress prints one line per file event.
func plainProgress(w io.Writer) snapshot.ProgressFunc {
	var mu sync.Mutex
	return func(ev snapshot.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case snapshot.EventScanStart:
			fmt.Fprintf(w, "Scanning %s@%s ...\n", ev.Repo, ev.Revision)
		case snapshot.EventRetry:
			fmt.Fprintf(w, "retry %s (attempt %d): %s\n", ev.Path, ev.Attempt, ev.Message)
		case snapshot.EventFileStart:
			fmt.Fprintf(w, "downloading: %s (%d bytes)\n", ev.Path, ev.Total)
		case snapshot.EventFileDone:
			if strings.HasPrefix(ev.Message, "skip") {
				fmt.Fprintf(w, "skip: %s %s\n", ev.Path, ev.Message)
			} else {
				fmt.Fprintf(w, "done: %s\n", ev.Path)
			}
		case snapshot.EventDone:
			fmt.Fprintln(w, ev.Message)
		}
	}
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) snapshot.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev snapshot.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
