// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bodaay/ggufpull/pkg/snapshot"
)

func TestLiveRenderer(t *testing.T) {
	var out bytes.Buffer
	lr := NewLiveRenderer(&out, "acme/tiny")
	h := lr.Handler()

	h(snapshot.ProgressEvent{Event: snapshot.EventPlanItem, Path: "a.gguf", Total: 1000})
	h(snapshot.ProgressEvent{Event: snapshot.EventPlanItem, Path: "b.gguf", Total: 3000})
	h(snapshot.ProgressEvent{Event: snapshot.EventFileDone, Path: "a.gguf", Total: 1000, Message: "skip (size match)"})
	h(snapshot.ProgressEvent{Event: snapshot.EventFileStart, Path: "b.gguf", Total: 3000})
	h(snapshot.ProgressEvent{Event: snapshot.EventFileProgress, Path: "b.gguf", Downloaded: 2000, Total: 3000})
	h(snapshot.ProgressEvent{Event: snapshot.EventFileProgress, Path: "b.gguf", Downloaded: 1500, Total: 3000})

	assert.Equal(t, int64(4000), lr.bar.Total())
	assert.Equal(t, int64(3000), lr.bar.Current())
	assert.Equal(t, "files 1/2 (1 skipped) b.gguf", lr.suffix())

	h(snapshot.ProgressEvent{Event: snapshot.EventFileDone, Path: "b.gguf", Total: 3000})
	h(snapshot.ProgressEvent{Event: snapshot.EventFileDone, Path: "b.gguf", Total: 3000})
	assert.Equal(t, int64(4000), lr.bar.Current())

	lr.Close()
	lr.Close()
	h(snapshot.ProgressEvent{Event: snapshot.EventPlanItem, Path: "late.gguf", Total: 1})

	assert.Equal(t, "2 files, 3.9 KiB (1 skipped)", lr.Summary())
	assert.Contains(t, out.String(), "acme/tiny")
	assert.Contains(t, out.String(), "files 2/2 (1 skipped)")
}

func TestInteractive(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	assert.NoError(t, err)
	defer f.Close()
	assert.False(t, Interactive(f))
}

func TestEllipsizeMiddle(t *testing.T) {
	assert.Equal(t, "short", ellipsizeMiddle("short", 10))
	assert.Equal(t, "abcd…6789", ellipsizeMiddle("abcdefghij0123456789", 9))
}
