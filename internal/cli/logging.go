// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bodaay/ggufpull/pkg/snapshot"
)

// newLogger builds the process logger: console lines on stderr, plus JSON
// lines appended to --log-file when set. The returned func flushes and
// closes the file.
func newLogger(ro *RootOpts, stderr io.Writer) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if ro.LogLevel != "" {
		lv, err := zapcore.ParseLevel(strings.ToLower(ro.LogLevel))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --log-level %q: %w", ro.LogLevel, err)
		}
		level = lv
	}
	switch {
	case ro.Verbose:
		level = zapcore.DebugLevel
	case ro.Quiet && level < zapcore.WarnLevel:
		level = zapcore.WarnLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(stderr)), level),
	}

	closeFn := func() {}
	if ro.LogFile != "" {
		f, err := os.OpenFile(ro.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		// The file always records debug detail.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), zapcore.DebugLevel))
		closeFn = func() { _ = f.Close() }
	}

	log := zap.New(zapcore.NewTee(cores...))
	return log, func() {
		_ = log.Sync()
		closeFn()
	}, nil
}

// logProgress mirrors fetch events into the logger, then forwards them to next.
func logProgress(log *zap.Logger, next snapshot.ProgressFunc) snapshot.ProgressFunc {
	return func(ev snapshot.ProgressEvent) {
		switch ev.Event {
		case snapshot.EventRetry:
			log.Warn("retrying", zap.String("path", ev.Path), zap.Int("attempt", ev.Attempt), zap.String("reason", ev.Message))
		case snapshot.EventError:
			log.Error("fetch failed", zap.String("repo", ev.Repo), zap.String("error", ev.Message))
		case snapshot.EventFileDone:
			log.Debug("file done", zap.String("path", ev.Path), zap.Int64("size", ev.Total), zap.String("note", ev.Message))
		case snapshot.EventScanStart:
			log.Debug("scanning", zap.String("repo", ev.Repo), zap.String("revision", ev.Revision))
		}
		if next != nil {
			next(ev)
		}
	}
}
