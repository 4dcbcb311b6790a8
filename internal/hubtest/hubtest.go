// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hubtest provides an in-process fake of the Hugging Face Hub file
// API for tests: tree listings, resolve/raw downloads with range support,
// bearer-token checks and injectable failures.
package hubtest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// File is a repository file served by the fake hub.
type File struct {
	Path    string
	Content []byte
	LFS     bool
}

// Server is a fake hub serving a single repository.
type Server struct {
	*httptest.Server

	// Repo is the served repository ID ("owner/name").
	Repo string

	// Token, when set, is required as a bearer token on every request.
	Token string

	mu        sync.Mutex
	files     map[string]File
	gets      map[string]int
	ranges    int
	failures  map[string][]int
	headFails map[string]int
	noRanges  bool
	pageSize  int
	lastAgent string
}

// New starts a fake hub for repo and registers cleanup with t.
func New(t testing.TB, repo string, files ...File) *Server {
	t.Helper()
	s := &Server{
		Repo:     repo,
		files:    map[string]File{},
		gets:     map[string]int{},
		failures:  map[string][]int{},
		headFails: map[string]int{},
	}
	for _, f := range files {
		s.files[f.Path] = f
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

// Fail makes the next len(statuses) downloads of p answer with those
// status codes, in order.
func (s *Server) Fail(p string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[p] = append(s.failures[p], statuses...)
}

// FailHead makes every HEAD request for p answer with status.
func (s *Server) FailHead(p string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headFails[p] = status
}

// SetPageSize splits tree listings into pages of n entries linked with a
// Link rel="next" header, the way the hub pages large directories.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// DisableRanges makes downloads ignore Range headers.
func (s *Server) DisableRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noRanges = true
}

// Downloads returns how many GET requests reached the file p.
func (s *Server) Downloads(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[p]
}

// RangeRequests returns how many GET requests carried a Range header.
func (s *Server) RangeRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges
}

// UserAgent returns the User-Agent of the most recent request.
func (s *Server) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAgent
}

// SHA256 returns the hex digest of content.
func SHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastAgent = r.UserAgent()
	s.mu.Unlock()

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	p := strings.TrimPrefix(r.URL.Path, "/")
	if rest, ok := strings.CutPrefix(p, "api/models/"); ok {
		s.serveTree(w, r, rest)
		return
	}
	if rest, ok := strings.CutPrefix(p, "api/datasets/"); ok {
		s.serveTree(w, r, rest)
		return
	}
	s.serveFile(w, r, strings.TrimPrefix(p, "datasets/"))
}

type lfsInfo struct {
	Oid         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int64  `json:"pointerSize"`
}

type node struct {
	Type string   `json:"type"`
	Path string   `json:"path"`
	Size int64    `json:"size,omitempty"`
	LFS  *lfsInfo `json:"lfs,omitempty"`
}

// serveTree answers owner/name/tree/rev[/prefix] with direct children.
// With a page size set, the cursor query parameter is the page offset.
func (s *Server) serveTree(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 5)
	if len(parts) < 4 || parts[2] != "tree" || parts[0]+"/"+parts[1] != s.Repo {
		http.Error(w, "Repository not found", http.StatusNotFound)
		return
	}
	prefix := ""
	if len(parts) == 5 {
		prefix = strings.TrimSuffix(parts[4], "/")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dirs := map[string]bool{}
	nodes := []node{}
	for _, f := range s.files {
		rel := f.Path
		if prefix != "" {
			if !strings.HasPrefix(rel, prefix+"/") {
				continue
			}
			rel = rel[len(prefix)+1:]
		}
		if i := strings.Index(rel, "/"); i >= 0 {
			dir := rel[:i]
			if prefix != "" {
				dir = prefix + "/" + dir
			}
			if !dirs[dir] {
				dirs[dir] = true
				nodes = append(nodes, node{Type: "directory", Path: dir})
			}
			continue
		}
		n := node{Type: "file", Path: f.Path, Size: int64(len(f.Content))}
		if f.LFS {
			n.Size = 134
			n.LFS = &lfsInfo{Oid: SHA256(f.Content), Size: int64(len(f.Content)), PointerSize: 134}
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	if s.pageSize > 0 {
		offset, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
		if offset > len(nodes) {
			offset = len(nodes)
		}
		end := offset + s.pageSize
		if end < len(nodes) {
			next := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: "cursor=" + strconv.Itoa(end)}
			w.Header().Set("Link", "<"+next.String()+`>; rel="next"`)
		} else {
			end = len(nodes)
		}
		nodes = nodes[offset:end]
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}

// serveFile answers owner/name/(resolve|raw)/rev/path.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	parts := strings.SplitN(p, "/", 5)
	if len(parts) < 5 || (parts[2] != "resolve" && parts[2] != "raw") || parts[0]+"/"+parts[1] != s.Repo {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}
	rel := parts[4]

	s.mu.Lock()
	f, ok := s.files[rel]
	if r.Method == http.MethodGet {
		s.gets[rel]++
		if r.Header.Get("Range") != "" {
			s.ranges++
		}
	}
	var status int
	if q := s.failures[rel]; r.Method == http.MethodGet && len(q) > 0 {
		status, s.failures[rel] = q[0], q[1:]
	}
	if r.Method == http.MethodHead {
		status = s.headFails[rel]
	}
	noRanges := s.noRanges
	s.mu.Unlock()

	if !ok {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if noRanges {
		r.Header.Del("Range")
		w.Header().Set("Accept-Ranges", "none")
		w.Header().Set("Content-Length", strconv.Itoa(len(f.Content)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(f.Content)
		}
		return
	}
	http.ServeContent(w, r, path.Base(f.Path), time.Time{}, bytes.NewReader(f.Content))
}
