// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package shards finds multi-part split model files in a directory and joins
// them into one file with an external merge tool (llama.cpp's gguf-split).
//
// # Detection
//
// A shard is a regular file whose name contains the split marker "-of-" and
// does not carry the unified ".gguf" extension:
//
//	names, err := shards.Detect(dir)
//
// Names are returned sorted, so the first element is the first shard. Use a
// Detector to change the marker or the unified extension.
//
// # Merging
//
//	m := &shards.Merger{Stdout: os.Stdout, Stderr: os.Stderr}
//	out, err := m.Merge(ctx, dir, names, shards.OutputName("owner/Model-GGUF", ""))
//
// The tool is run as "<tool> --merge <first shard> <output>" and is given the
// first shard only; it locates the remaining parts itself. Fewer than two
// shards returns ErrNotEnoughShards without running anything.
package shards
