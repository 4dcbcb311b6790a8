// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// pathFilter selects repository files by allow and exclude globs.
type pathFilter struct {
	allow   []glob.Glob
	exclude []glob.Glob
}

// compileGlob compiles a shell-style pattern. No separators are declared, so
// "*" also matches "/". A trailing "/" selects a whole directory.
func compileGlob(pattern string) (glob.Glob, error) {
	if strings.HasSuffix(pattern, "/") {
		pattern += "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := compileGlob(p)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func newPathFilter(req Request) (*pathFilter, error) {
	allow, err := compileGlobs(req.Patterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(req.Excludes)
	if err != nil {
		return nil, err
	}
	return &pathFilter{allow: allow, exclude: exclude}, nil
}

// Match reports whether rel, a slash-separated path relative to the
// repository root, should be fetched.
func (f *pathFilter) Match(rel string) bool {
	for _, g := range f.exclude {
		if g.Match(rel) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, g := range f.allow {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
