// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// Verify modes accepted by Settings.Verify.
const (
	VerifyNone   = "none"
	VerifySize   = "size"
	VerifySHA256 = "sha256"
)

// IsValidRepoID checks if the repository ID is in "owner/name" format.
func IsValidRepoID(repo string) bool {
	if repo == "" || !strings.Contains(repo, "/") {
		return false
	}
	parts := strings.Split(repo, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// resolved holds Settings after defaults are applied and strings parsed.
type resolved struct {
	Settings
	threshold      int64
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// resolve validates req and cfg, applies defaults and reports every problem
// found, not just the first.
func resolve(req *Request, cfg Settings) (resolved, error) {
	var result *multierror.Error

	switch {
	case req.Repo == "":
		result = multierror.Append(result, ErrMissingRepo)
	case !IsValidRepoID(req.Repo):
		result = multierror.Append(result, fmt.Errorf("%w: %q", ErrInvalidRepo, req.Repo))
	}
	if req.Revision == "" {
		req.Revision = "main"
	}
	if _, err := newPathFilter(*req); err != nil {
		result = multierror.Append(result, err)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxActiveDownloads <= 0 {
		cfg.MaxActiveDownloads = runtime.GOMAXPROCS(0)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	cfg.Verify = strings.ToLower(defaultString(cfg.Verify, VerifySize))
	switch cfg.Verify {
	case VerifyNone, VerifySize, VerifySHA256:
	default:
		result = multierror.Append(result, fmt.Errorf("invalid verify mode %q (want none|size|sha256)", cfg.Verify))
	}

	r := resolved{Settings: cfg}
	threshold, err := humanize.ParseBytes(defaultString(cfg.MultipartThreshold, "256MiB"))
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid multipart threshold: %w", err))
	}
	r.threshold = int64(threshold)
	if r.backoffInitial, err = time.ParseDuration(defaultString(cfg.BackoffInitial, "400ms")); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid backoff-initial: %w", err))
	}
	if r.backoffMax, err = time.ParseDuration(defaultString(cfg.BackoffMax, "10s")); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid backoff-max: %w", err))
	}

	return r, result.ErrorOrNil()
}

// retryPolicy returns the delay schedule for one request: exponential
// between backoffInitial and backoffMax, at most Retries retries, and no
// further attempts once ctx is done.
func retryPolicy(ctx context.Context, cfg resolved) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.backoffInitial
	b.MaxInterval = cfg.backoffMax
	b.Multiplier = 1.6
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.Retries)), ctx)
}

// withRetry runs op until it succeeds, fails permanently or the policy gives
// up. Each retry is announced as an EventRetry for path.
func withRetry(ctx context.Context, cfg resolved, path string, emit func(ProgressEvent), op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, retryPolicy(ctx, cfg), func(err error, _ time.Duration) {
		attempt++
		emit(ProgressEvent{Level: "warn", Event: EventRetry, Path: path, Attempt: attempt, Message: err.Error()})
	})
}

func defaultString(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}
