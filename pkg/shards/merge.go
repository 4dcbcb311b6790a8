// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package shards

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"
)

var (
	// ErrNotEnoughShards is returned by Merge when given fewer than two shards.
	ErrNotEnoughShards = errors.New("at least two shards are required to merge")

	// ErrToolNotFound is returned when no merge tool is configured or on PATH.
	ErrToolNotFound = errors.New("merge tool not found (install llama.cpp or pass --merge-tool)")
)

// DefaultTools are looked up on PATH, in order, when Merger.Tool is empty.
var DefaultTools = []string{"llama-gguf-split", "gguf-split"}

// MergeError is returned when the merge tool cannot be started or exits
// with a failure.
type MergeError struct {
	Command []string
	Err     error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed (%s): %v", strings.Join(e.Command, " "), e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// ExitCode returns the tool's exit status, or -1 if it never exited.
func (e *MergeError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Merger runs the external merge tool.
type Merger struct {
	// Tool is a command line such as "gguf-split" or
	// "/opt/llama.cpp/bin/llama-gguf-split --no-tensor-first-split".
	// Empty means the first of DefaultTools found on PATH.
	Tool string

	// Stdout and Stderr receive the tool's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.Logger
}

// Command returns the argv Merge would run for the given shard and output
// paths.
func (m *Merger) Command(first, output string) ([]string, error) {
	base, err := m.tool()
	if err != nil {
		return nil, err
	}
	argv := append(base, "--merge", first, output)
	return argv, nil
}

func (m *Merger) tool() ([]string, error) {
	if strings.TrimSpace(m.Tool) != "" {
		argv, err := shellwords.Parse(m.Tool)
		if err != nil {
			return nil, fmt.Errorf("parse merge tool %q: %w", m.Tool, err)
		}
		if len(argv) == 0 {
			return nil, ErrToolNotFound
		}
		return argv, nil
	}
	for _, name := range DefaultTools {
		if p, err := exec.LookPath(name); err == nil {
			return []string{p}, nil
		}
	}
	return nil, ErrToolNotFound
}

// Merge joins shards found in dir into dir/outputName and returns the output
// path. shards must be sorted; only the first is passed to the tool.
func (m *Merger) Merge(ctx context.Context, dir string, shards []string, outputName string) (string, error) {
	if len(shards) < 2 {
		return "", fmt.Errorf("%w (found %d)", ErrNotEnoughShards, len(shards))
	}
	if outputName == "" {
		return "", errors.New("merge output name is empty")
	}
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}

	first := filepath.Join(dir, shards[0])
	output := filepath.Join(dir, outputName)
	argv, err := m.Command(first, output)
	if err != nil {
		return "", err
	}

	log.Info("running merge tool",
		zap.Strings("argv", argv),
		zap.Int("shards", len(shards)),
		zap.String("output", output))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = m.Stdout
	cmd.Stderr = m.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		log.Error("merge tool failed", zap.Strings("argv", argv), zap.Error(err))
		return "", &MergeError{Command: argv, Err: err}
	}

	log.Debug("merge tool finished", zap.String("output", output))
	return output, nil
}
