// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels for errors.Is. Registry failures reach them through *APIError.
var (
	ErrMissingRepo      = errors.New("no repository given")
	ErrInvalidRepo      = errors.New("repository must be owner/name")
	ErrMissingOutputDir = errors.New("no output directory given")
	ErrUnauthorized     = errors.New("registry refused access (token missing, invalid or terms not accepted)")
	ErrNotFound         = errors.New("repository, revision or file not found")
	ErrRateLimited      = errors.New("registry rate limit hit")
	ErrLocked           = errors.New("output directory is locked by another fetch")
)

// DownloadError ties a transfer failure to the repository path being fetched.
type DownloadError struct {
	Path string
	Err  error
}

func (e *DownloadError) Error() string { return fmt.Sprintf("download %s: %v", e.Path, e.Err) }

func (e *DownloadError) Unwrap() error { return e.Err }

// VerificationError reports a downloaded file whose size or digest differs
// from what the registry announced.
type VerificationError struct {
	Path     string
	Method   string // VerifySize or VerifySHA256
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s is %s, registry says %s", e.Path, e.Method, e.Actual, e.Expected)
}

// APIError is a non-2xx registry answer. Message carries a hint for the
// status codes a user can act on, or the start of the response body.
type APIError struct {
	StatusCode int
	Status     string
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("registry answered %s for %s", e.Status, e.URL)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Transient reports whether repeating the request can succeed: rate limits
// and gateway or server-side faults.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
