// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package snapshot fetches a filtered snapshot of a Hugging Face Hub repository
into a local directory.

A snapshot is the set of repository files whose paths match a list of glob
patterns, written to the output directory with the repository layout kept
intact. Fetch is resumable: files already present with the right size (and
SHA-256 for LFS objects) are not downloaded again.

# Quick Start

	req := snapshot.Request{
		Repo:     "TheBloke/Mistral-7B-Instruct-v0.2-GGUF",
		Patterns: []string{"*Q4_K_M.gguf"},
	}

	cfg := snapshot.DefaultSettings()
	cfg.OutputDir = "./models/mistral"
	cfg.Token = os.Getenv("HF_TOKEN")

	dir, err := snapshot.Fetch(ctx, req, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("snapshot at", dir)

# Patterns

Patterns use shell-style globbing against the path relative to the
repository root. Unlike filepath.Match, "*" also matches "/", so "*.gguf"
selects GGUF files in every directory. A pattern ending in "/" selects a
whole directory. Excludes are applied before Patterns.

# Dry-Run

PlanRepo returns the file list Fetch would download:

	plan, err := snapshot.PlanRepo(ctx, req, cfg)

# Progress Events

The ProgressFunc callback receives events throughout the fetch:

  - scan_start: repository scanning has begun
  - plan_item: a file was selected
  - file_start: download of a file has started
  - file_progress: periodic byte counts
  - file_done: file complete, or skipped ("skip (...)" in Message)
  - retry: a request is being retried
  - error: the fetch failed
  - done: all files are present

# Transfers

LFS files at or above Settings.MultipartThreshold are fetched with
Settings.Concurrency parallel range requests; everything else streams in a
single request. Settings.MaxActiveDownloads bounds how many files transfer at
once. Every request retries with exponential backoff, except for responses
that cannot succeed on retry (401, 403, 404).

# Errors

Registry failures are returned as *APIError, which matches ErrUnauthorized,
ErrNotFound and ErrRateLimited through errors.Is. Per-file failures are wrapped
in *DownloadError; checksum and size mismatches surface as *VerificationError.
*/
package snapshot
