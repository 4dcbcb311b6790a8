// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders fetch progress on an interactive terminal.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/bodaay/ggufpull/pkg/snapshot"
)

// barTemplate is pb.Full without the elapsed-time padding.
const barTemplate pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{bar . "[" "=" ">" " " "]"}} {{percent . }} {{speed . }}{{with string . "suffix"}} {{.}}{{end}}`

// Interactive reports whether f is a terminal that can redraw a bar in place.
func Interactive(f *os.File) bool {
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// LiveRenderer draws one aggregate byte bar for a fetch, with a file count
// and the current file in its suffix.
type LiveRenderer struct {
	mu    sync.Mutex
	bar   *pb.ProgressBar
	files map[string]*fileState

	totalFiles int
	finished   int
	skipped    int
	failed     int
	current    string
	closed     bool
}

type fileState struct {
	total int64
	bytes int64
	done  bool
}

// NewLiveRenderer starts a bar writing to w.
func NewLiveRenderer(w io.Writer, repo string) *LiveRenderer {
	bar := pb.New64(0).
		SetWriter(w).
		SetTemplate(barTemplate).
		Set(pb.Bytes, true).
		Set("prefix", repo)
	if os.Getenv("NO_COLOR") != "" {
		bar.Set(pb.Color, false)
	}
	lr := &LiveRenderer{bar: bar, files: map[string]*fileState{}}
	bar.Start()
	return lr
}

// Handler returns a ProgressFunc that feeds events to the renderer. It is
// safe for concurrent use.
func (lr *LiveRenderer) Handler() snapshot.ProgressFunc {
	return lr.apply
}

func (lr *LiveRenderer) apply(ev snapshot.ProgressEvent) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.closed {
		return
	}

	switch ev.Event {
	case snapshot.EventPlanItem:
		if _, ok := lr.files[ev.Path]; ok {
			return
		}
		lr.files[ev.Path] = &fileState{total: ev.Total}
		lr.totalFiles++
		lr.bar.AddTotal(ev.Total)
	case snapshot.EventFileStart:
		lr.current = ev.Path
	case snapshot.EventFileProgress:
		lr.advance(ev.Path, ev.Downloaded)
		lr.current = ev.Path
	case snapshot.EventFileDone:
		fs := lr.ensure(ev.Path)
		if fs.done {
			return
		}
		lr.advance(ev.Path, fs.total)
		fs.done = true
		lr.finished++
		if strings.HasPrefix(ev.Message, "skip") {
			lr.skipped++
		}
	case snapshot.EventError:
		lr.failed++
	}
	lr.bar.Set("suffix", lr.suffix())
}

// advance moves the file's byte count forward to n. Counts never go back,
// so a retried part does not shrink the bar.
func (lr *LiveRenderer) advance(path string, n int64) {
	fs := lr.ensure(path)
	if n > fs.bytes {
		lr.bar.Add64(n - fs.bytes)
		fs.bytes = n
	}
}

func (lr *LiveRenderer) ensure(path string) *fileState {
	if fs, ok := lr.files[path]; ok {
		return fs
	}
	fs := &fileState{}
	lr.files[path] = fs
	return fs
}

func (lr *LiveRenderer) suffix() string {
	var b strings.Builder
	fmt.Fprintf(&b, "files %d/%d", lr.finished, lr.totalFiles)
	if lr.skipped > 0 {
		fmt.Fprintf(&b, " (%d skipped)", lr.skipped)
	}
	if lr.failed > 0 {
		b.WriteString(" error")
	}
	if lr.current != "" && lr.finished < lr.totalFiles {
		b.WriteString(" " + ellipsizeMiddle(lr.current, 40))
	}
	return b.String()
}

// Summary returns a one-line description of what was transferred.
func (lr *LiveRenderer) Summary() string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return fmt.Sprintf("%d files, %s (%d skipped)",
		lr.finished, humanize.IBytes(uint64(lr.bar.Current())), lr.skipped)
}

// Close stops the bar and leaves its last state on screen.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.closed {
		lr.mu.Unlock()
		return
	}
	lr.closed = true
	lr.current = ""
	lr.bar.Set("suffix", lr.suffix())
	lr.mu.Unlock()
	lr.bar.Finish()
}

func ellipsizeMiddle(s string, w int) string {
	r := []rune(s)
	if len(r) <= w || w < 5 {
		return s
	}
	half := (w - 1) / 2
	return string(r[:half]) + "…" + string(r[len(r)-(w-1-half):])
}
