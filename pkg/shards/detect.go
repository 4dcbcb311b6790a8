// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package shards

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	// DefaultMarker is the substring that identifies a split part.
	DefaultMarker = "-of-"

	// UnifiedExt is the extension of a complete, unsplit model file.
	UnifiedExt = ".gguf"
)

// Detector selects shard names in a directory.
type Detector struct {
	// Marker defaults to DefaultMarker.
	Marker string
	// UnifiedExt defaults to UnifiedExt. Names ending in it are never shards.
	UnifiedExt string
}

// Detect lists shard names in dir using the default Detector.
func Detect(dir string) ([]string, error) {
	return Detector{}.Detect(dir)
}

// Detect lists dir without recursing and returns the sorted names of regular
// files that look like split parts.
func (d Detector) Detect(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if d.IsShard(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// IsShard reports whether name matches the split convention.
func (d Detector) IsShard(name string) bool {
	marker := d.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	ext := d.UnifiedExt
	if ext == "" {
		ext = UnifiedExt
	}
	return !strings.HasSuffix(name, ext) && strings.Contains(name, marker)
}

// OutputName returns override when set, otherwise the last path segment of
// repo with the unified extension appended.
func OutputName(repo, override string) string {
	if override != "" {
		return override
	}
	repo = strings.TrimRight(repo, "/")
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		repo = repo[i+1:]
	}
	return repo + UnifiedExt
}
