// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodaay/ggufpull/internal/hubtest"
)

const testRepo = "acme/tiny-GGUF"

func testFiles() []hubtest.File {
	return []hubtest.File{
		{Path: "README.md", Content: []byte("# tiny\n")},
		{Path: "tiny-Q4_K_M.gguf", Content: bytes.Repeat([]byte("q4"), 600), LFS: true},
		{Path: "tiny-Q8_0.gguf", Content: bytes.Repeat([]byte("q8"), 900), LFS: true},
		{Path: "Q2_K/tiny-Q2_K.gguf", Content: bytes.Repeat([]byte("q2"), 300), LFS: true},
	}
}

func testSettings(hub *hubtest.Server, dir string) Settings {
	cfg := DefaultSettings()
	cfg.Endpoint = hub.URL
	cfg.OutputDir = dir
	cfg.BackoffInitial = "1ms"
	cfg.BackoffMax = "5ms"
	return cfg
}

// recorder collects progress events.
type recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recorder) Handle(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Find(event string) []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProgressEvent
	for _, ev := range r.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func TestFetch_DownloadsMatchingFiles(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	dir := filepath.Join(t.TempDir(), "nested", "out")
	rec := &recorder{}

	got, err := Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.gguf"}}, testSettings(hub, dir), rec.Handle)
	require.NoError(t, err)

	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, got)

	for _, f := range testFiles() {
		dst := filepath.Join(dir, filepath.FromSlash(f.Path))
		if strings.HasSuffix(f.Path, ".gguf") {
			assert.Equal(t, f.Content, readFile(t, dst), f.Path)
		} else {
			assert.NoFileExists(t, dst)
		}
	}

	assert.Len(t, rec.Find(EventPlanItem), 3)
	assert.Len(t, rec.Find(EventFileDone), 3)
	require.Len(t, rec.Find(EventDone), 1)
	assert.Equal(t, "download complete (downloaded 3, skipped 0)", rec.Find(EventDone)[0].Message)
	for _, ev := range rec.events {
		assert.Equal(t, testRepo, ev.Repo)
		assert.Equal(t, "main", ev.Revision)
	}
	assert.Equal(t, userAgent, hub.UserAgent())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"Q2_K", "tiny-Q4_K_M.gguf", "tiny-Q8_0.gguf"}, names, "only fetched files in the output directory")
}

func TestFetch_PagedTreeListing(t *testing.T) {
	files := append(testFiles(),
		hubtest.File{Path: "a-of-2", Content: []byte("first")},
		hubtest.File{Path: "a-of-2.split2", Content: []byte("second")},
	)
	hub := hubtest.New(t, testRepo, files...)
	hub.SetPageSize(2)
	dir := t.TempDir()

	plan, err := PlanRepo(context.Background(), Request{Repo: testRepo}, Settings{Endpoint: hub.URL})
	require.NoError(t, err)
	var paths []string
	for _, it := range plan.Items {
		paths = append(paths, it.RelativePath)
	}
	assert.ElementsMatch(t, []string{"README.md", "tiny-Q4_K_M.gguf", "tiny-Q8_0.gguf", "Q2_K/tiny-Q2_K.gguf", "a-of-2", "a-of-2.split2"}, paths)

	_, err = Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"a-of-*"}}, testSettings(hub, dir), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), readFile(t, filepath.Join(dir, "a-of-2")))
	assert.Equal(t, []byte("second"), readFile(t, filepath.Join(dir, "a-of-2.split2")))
}

func TestFetch_PatternsAndExcludes(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		excludes []string
		want     []string
	}{
		{"directory pattern", []string{"Q2_K/"}, nil, []string{"Q2_K/tiny-Q2_K.gguf"}},
		{"exclude", []string{"*.gguf"}, []string{"*Q8_0*", "Q2_K/"}, []string{"tiny-Q4_K_M.gguf"}},
		{"no pattern fetches everything", nil, nil, []string{"README.md", "tiny-Q4_K_M.gguf", "tiny-Q8_0.gguf", "Q2_K/tiny-Q2_K.gguf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := hubtest.New(t, testRepo, testFiles()...)
			dir := t.TempDir()

			_, err := Fetch(context.Background(), Request{Repo: testRepo, Patterns: tt.patterns, Excludes: tt.excludes}, testSettings(hub, dir), nil)
			require.NoError(t, err)

			var got []string
			err = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				rel, _ := filepath.Rel(dir, p)
				got = append(got, filepath.ToSlash(rel))
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestFetch_SkipsCompleteFiles(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	dir := t.TempDir()
	req := Request{Repo: testRepo, Patterns: []string{"*.gguf", "*.md"}}

	_, err := Fetch(context.Background(), req, testSettings(hub, dir), nil)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Downloads("tiny-Q4_K_M.gguf"))

	// A corrupted LFS file of the right size is fetched again.
	corrupt := bytes.Repeat([]byte("xx"), 900)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny-Q8_0.gguf"), corrupt, 0o644))

	rec := &recorder{}
	_, err = Fetch(context.Background(), req, testSettings(hub, dir), rec.Handle)
	require.NoError(t, err)

	assert.Equal(t, 1, hub.Downloads("tiny-Q4_K_M.gguf"))
	assert.Equal(t, 1, hub.Downloads("README.md"))
	assert.Equal(t, 2, hub.Downloads("tiny-Q8_0.gguf"))
	assert.Equal(t, bytes.Repeat([]byte("q8"), 900), readFile(t, filepath.Join(dir, "tiny-Q8_0.gguf")))

	reasons := map[string]string{}
	for _, ev := range rec.Find(EventFileDone) {
		reasons[ev.Path] = ev.Message
	}
	assert.Equal(t, "skip (sha256 match)", reasons["tiny-Q4_K_M.gguf"])
	assert.Equal(t, "skip (size match)", reasons["README.md"])
	assert.Equal(t, "", reasons["tiny-Q8_0.gguf"])
}

func TestFetch_Multipart(t *testing.T) {
	content := make([]byte, 10_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	hub := hubtest.New(t, testRepo, hubtest.File{Path: "big.gguf", Content: content, LFS: true})
	dir := t.TempDir()

	cfg := testSettings(hub, dir)
	cfg.MultipartThreshold = "1KiB"
	cfg.Concurrency = 4

	_, err := Fetch(context.Background(), Request{Repo: testRepo}, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, content, readFile(t, filepath.Join(dir, "big.gguf")))
	assert.Equal(t, 4, hub.RangeRequests())

	leftovers, _ := filepath.Glob(filepath.Join(dir, "big.gguf.part*"))
	assert.Empty(t, leftovers)
}

func TestFetch_MultipartWithoutRangeSupport(t *testing.T) {
	hub := hubtest.New(t, testRepo, hubtest.File{Path: "big.gguf", Content: bytes.Repeat([]byte("z"), 4096), LFS: true})
	hub.DisableRanges()

	cfg := testSettings(hub, t.TempDir())
	cfg.MultipartThreshold = "1KiB"
	cfg.Retries = -1

	_, err := Fetch(context.Background(), Request{Repo: testRepo}, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "range not supported")

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, "big.gguf", dlErr.Path)
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	hub.Fail("README.md", http.StatusServiceUnavailable, http.StatusBadGateway)
	dir := t.TempDir()
	rec := &recorder{}

	_, err := Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.md"}}, testSettings(hub, dir), rec.Handle)
	require.NoError(t, err)

	assert.Equal(t, 3, hub.Downloads("README.md"))
	retries := rec.Find(EventRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Equal(t, []byte("# tiny\n"), readFile(t, filepath.Join(dir, "README.md")))
}

func TestFetch_RetriesExhausted(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		wantGet int
	}{
		{"zero disables retries", 0, 1},
		{"two retries", 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := hubtest.New(t, testRepo, testFiles()...)
			hub.Fail("README.md", http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
			dir := t.TempDir()
			cfg := testSettings(hub, dir)
			cfg.Retries = tt.retries
			rec := &recorder{}

			_, err := Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.md"}}, cfg, rec.Handle)
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
			assert.Equal(t, tt.wantGet, hub.Downloads("README.md"))
			assert.Len(t, rec.Find(EventRetry), tt.retries)
			assert.NoFileExists(t, filepath.Join(dir, "README.md"))
			assert.NoFileExists(t, filepath.Join(dir, "README.md.part"))
		})
	}
}

func TestFetch_VerifySHA256HeadFailure(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	cfg := testSettings(hub, t.TempDir())
	cfg.Verify = VerifySHA256

	_, err := Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.md"}}, cfg, nil)
	require.NoError(t, err)

	hub.FailHead("README.md", http.StatusNotFound)
	cfg.OutputDir = t.TempDir()
	_, err = Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.md"}}, cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetch_PermanentFailureIsNotRetried(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	hub.Fail("README.md", http.StatusForbidden)

	_, err := Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.md"}}, testSettings(hub, t.TempDir()), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, hub.Downloads("README.md"))
}

func TestFetch_RegistryErrors(t *testing.T) {
	t.Run("token required", func(t *testing.T) {
		hub := hubtest.New(t, testRepo, testFiles()...)
		hub.Token = "hf_secret"
		cfg := testSettings(hub, t.TempDir())

		_, err := Fetch(context.Background(), Request{Repo: testRepo}, cfg, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnauthorized)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Contains(t, apiErr.Message, hub.URL+"/"+testRepo)

		cfg.Token = "hf_secret"
		_, err = Fetch(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.md"}}, cfg, nil)
		require.NoError(t, err)
	})

	t.Run("repo not found", func(t *testing.T) {
		hub := hubtest.New(t, testRepo, testFiles()...)
		_, err := Fetch(context.Background(), Request{Repo: "acme/missing"}, testSettings(hub, t.TempDir()), nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFetch_InvalidInput(t *testing.T) {
	hub := hubtest.New(t, testRepo)

	t.Run("missing output dir", func(t *testing.T) {
		cfg := testSettings(hub, "")
		_, err := Fetch(context.Background(), Request{Repo: testRepo}, cfg, nil)
		assert.ErrorIs(t, err, ErrMissingOutputDir)
	})

	t.Run("every problem is reported", func(t *testing.T) {
		cfg := testSettings(hub, t.TempDir())
		cfg.Verify = "etag"
		cfg.BackoffMax = "soon"
		cfg.MultipartThreshold = "lots"

		_, err := Fetch(context.Background(), Request{Repo: "no-owner", Patterns: []string{"[oops"}}, cfg, nil)
		require.Error(t, err)

		var merr *multierror.Error
		require.True(t, errors.As(err, &merr))
		assert.Len(t, merr.Errors, 5)
		assert.ErrorIs(t, err, ErrInvalidRepo)
		assert.Contains(t, err.Error(), `invalid verify mode "etag"`)
	})
}

func TestFetch_LockedOutputDir(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	dir := t.TempDir()

	unlock, err := lockDir(context.Background(), dir, time.Second)
	require.NoError(t, err)
	defer unlock()

	old := lockWait
	lockWait = 100 * time.Millisecond
	defer func() { lockWait = old }()

	_, err = Fetch(context.Background(), Request{Repo: testRepo}, testSettings(hub, dir), nil)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestFetch_Canceled(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fetch(ctx, Request{Repo: testRepo}, testSettings(hub, t.TempDir()), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchFile_StaysInsideOutputDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg, err := resolve(&Request{Repo: testRepo}, Settings{OutputDir: root})
	require.NoError(t, err)

	it := PlanItem{RelativePath: "../../escape.gguf", URL: srv.URL + "/x", Size: 7}
	_, err = fetchFile(context.Background(), srv.Client(), cfg, it, root, func(ProgressEvent) {})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "escape.gguf"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(root)), "escape.gguf"))
}

func TestPlanRepo(t *testing.T) {
	hub := hubtest.New(t, testRepo, testFiles()...)
	cfg := Settings{Endpoint: hub.URL}

	plan, err := PlanRepo(context.Background(), Request{Repo: testRepo, Patterns: []string{"*.gguf"}}, cfg)
	require.NoError(t, err)

	assert.Equal(t, testRepo, plan.Repo)
	assert.Equal(t, "main", plan.Revision)
	require.Len(t, plan.Items, 3)

	byPath := map[string]PlanItem{}
	for _, it := range plan.Items {
		byPath[it.RelativePath] = it
	}
	q4 := byPath["tiny-Q4_K_M.gguf"]
	assert.True(t, q4.LFS)
	assert.Equal(t, int64(1200), q4.Size)
	assert.Equal(t, hubtest.SHA256(bytes.Repeat([]byte("q4"), 600)), q4.SHA256)
	assert.Equal(t, hub.URL+"/"+testRepo+"/resolve/main/tiny-Q4_K_M.gguf", q4.URL)
	assert.Contains(t, byPath, "Q2_K/tiny-Q2_K.gguf")
	assert.Equal(t, int64(1200+1800+600), plan.TotalSize())

	// Nothing touches the disk.
	assert.Equal(t, 0, hub.Downloads("tiny-Q4_K_M.gguf"))
}

func TestURLBuilders(t *testing.T) {
	model := Request{Repo: "acme/m", Revision: "refs/pr/1"}
	assert.Equal(t, "https://huggingface.co/api/models/acme/m/tree/refs%2Fpr%2F1", treeURL("", model, ""))
	assert.Equal(t, "http://mirror/acme/m/resolve/refs%2Fpr%2F1/dir/a%20b.gguf", lfsURL("http://mirror/", model, "dir/a b.gguf"))

	ds := Request{Repo: "acme/d", Revision: "main", IsDataset: true}
	assert.Equal(t, "https://huggingface.co/api/datasets/acme/d/tree/main/sub", treeURL("", ds, "sub"))
	assert.Equal(t, "https://huggingface.co/datasets/acme/d/raw/main/x.json", rawURL("", ds, "x.json"))
}

func TestVerify(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.gguf")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	require.NoError(t, verifySHA256(p, "f.gguf", strings.ToUpper(hubtest.SHA256([]byte("abc")))))
	require.NoError(t, verifySize(p, "f.gguf", 3))

	err := verifySHA256(p, "f.gguf", hubtest.SHA256([]byte("abd")))
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, VerifySHA256, verr.Method)
	assert.Equal(t, hubtest.SHA256([]byte("abc")), verr.Actual)

	err = verifySize(p, "f.gguf", 4)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "f.gguf: size is 3, registry says 4", verr.Error())
}
