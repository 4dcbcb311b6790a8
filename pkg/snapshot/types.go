// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import "time"

// Request defines which repository snapshot to fetch.
//
// Repo is required and must be in "owner/name" format
// (e.g., "TheBloke/Mistral-7B-GGUF").
//
// Example:
//
//	req := snapshot.Request{
//	    Repo:     "TheBloke/Mistral-7B-GGUF",
//	    Patterns: []string{"*Q4_K_M*.gguf"},
//	}
type Request struct {
	// Repo is the repository ID in "owner/name" format.
	// This field is required.
	Repo string

	// IsDataset selects the datasets API instead of the models API.
	IsDataset bool

	// Revision is the branch, tag, or commit SHA to fetch.
	// If empty, defaults to "main".
	Revision string

	// Patterns are glob patterns matched against each file's path relative
	// to the repository root. A file is fetched if it matches any pattern.
	// If empty, every file is fetched.
	//
	// Matching follows shell-style rules where "*" also crosses "/":
	//   - "*.gguf" matches "model.gguf" and "q4/model.gguf"
	//   - "q4_k_m/" matches every file below the q4_k_m directory
	//   - "model-?????-of-?????.gguf" matches numbered shards
	Patterns []string

	// Excludes are glob patterns, with the same rules as Patterns, for files
	// that must never be fetched. Excludes win over Patterns.
	Excludes []string
}

// Settings configures transfer behavior.
//
// Only OutputDir is required; everything else has a default.
//
//	cfg := snapshot.DefaultSettings()
//	cfg.OutputDir = "./models/mistral"
//	cfg.Token = os.Getenv("HF_TOKEN")
type Settings struct {
	// OutputDir is the local directory that receives the snapshot.
	// Files are saved as <OutputDir>/<path in repo>. Created if absent.
	OutputDir string

	// Endpoint is the registry base URL. Empty means DefaultEndpoint.
	// Useful for mirrors and self-hosted deployments.
	Endpoint string

	// Token is the access token for private or gated repositories.
	// Empty means anonymous access.
	Token string

	// Concurrency is the number of parallel range requests per file
	// for multipart downloads. If <= 0, defaults to 8.
	Concurrency int

	// MaxActiveDownloads limits how many files download at once.
	// If <= 0, defaults to GOMAXPROCS.
	MaxActiveDownloads int

	// MultipartThreshold is the minimum size of an LFS file to use range
	// requests. Accepts human-readable sizes ("32MiB", "1GB").
	// If empty, defaults to "256MiB".
	MultipartThreshold string

	// Verify selects post-download verification for non-LFS files.
	// LFS files are always checked against their SHA-256 when known.
	//
	//   - "none": no verification
	//   - "size": compare the file size (default)
	//   - "sha256": hash the file and compare with the x-amz-meta-sha256 header
	Verify string

	// Retries is the maximum number of retries per request or range part.
	// Zero means a single attempt.
	Retries int

	// BackoffInitial is the delay before the first retry (e.g. "400ms").
	BackoffInitial string

	// BackoffMax caps the delay between retries (e.g. "10s").
	BackoffMax string
}

// Event types emitted through ProgressFunc.
const (
	EventScanStart    = "scan_start"
	EventPlanItem     = "plan_item"
	EventFileStart    = "file_start"
	EventFileProgress = "file_progress"
	EventFileDone     = "file_done"
	EventRetry        = "retry"
	EventError        = "error"
	EventDone         = "done"
)

// ProgressEvent represents a progress update during a fetch.
type ProgressEvent struct {
	// Time is when the event occurred (UTC).
	Time time.Time `json:"time"`

	// Level is "debug", "info", "warn" or "error". Empty means "info".
	Level string `json:"level,omitempty"`

	// Event is one of the Event* constants.
	Event string `json:"event"`

	Repo     string `json:"repo,omitempty"`
	Revision string `json:"revision,omitempty"`

	// Path is the file path relative to the repository root.
	Path string `json:"path,omitempty"`

	// Total is the expected size in bytes.
	Total int64 `json:"total,omitempty"`

	// Downloaded is the cumulative number of bytes written so far.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Attempt is the 1-based retry attempt, set on retry events.
	Attempt int `json:"attempt,omitempty"`

	// Message carries details. For file_done it starts with "skip" when the
	// local copy was already complete.
	Message string `json:"message,omitempty"`

	IsLFS bool `json:"isLfs,omitempty"`
}

// ProgressFunc receives progress events. It is called from multiple
// goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)

// DefaultSettings returns Settings with defaults filled in, except OutputDir.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:        8,
		MaxActiveDownloads: 4,
		MultipartThreshold: "256MiB",
		Verify:             VerifySize,
		Retries:            4,
		BackoffInitial:     "400ms",
		BackoffMax:         "10s",
	}
}
