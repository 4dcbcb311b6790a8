// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sync/errgroup"
)

// lockWait bounds how long Fetch waits for another process holding the
// output directory.
var lockWait = 30 * time.Second

// progressReader wraps an io.Reader and emits progress events during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	path       string
	emit       func(ProgressEvent)
	lastEmit   time.Time
	interval   time.Duration
}

func newProgressReader(r io.Reader, total int64, path string, emit func(ProgressEvent)) *progressReader {
	return &progressReader{
		reader:   r,
		total:    total,
		path:     path,
		emit:     emit,
		lastEmit: time.Now(),
		interval: 200 * time.Millisecond,
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		if time.Since(pr.lastEmit) >= pr.interval || err == io.EOF {
			pr.emit(ProgressEvent{
				Event:      EventFileProgress,
				Path:       pr.path,
				Downloaded: pr.downloaded,
				Total:      pr.total,
			})
			pr.lastEmit = time.Now()
		}
	}
	return n, err
}

// Fetch downloads the files of req matching its patterns into cfg.OutputDir
// and returns the absolute path of that directory.
//
// Resume is always on: a file already on disk is skipped when its size (and
// SHA-256 for LFS files) matches the registry. The output directory is created
// if absent and locked for the duration of the call.
//
// The first failure cancels the remaining transfers and is returned.
func Fetch(ctx context.Context, req Request, cfg Settings, progress ProgressFunc) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rc, err := resolve(&req, cfg)
	if err != nil {
		return "", err
	}
	if cfg.OutputDir == "" {
		return "", ErrMissingOutputDir
	}

	root, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	unlock, err := lockDir(ctx, root, lockWait)
	if err != nil {
		return "", err
	}
	defer unlock()

	emit := func(ev ProgressEvent) {
		if progress == nil {
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		if ev.Repo == "" {
			ev.Repo = req.Repo
		}
		if ev.Revision == "" {
			ev.Revision = req.Revision
		}
		progress(ev)
	}

	emit(ProgressEvent{Event: EventScanStart, Message: "scanning repo"})

	httpc := buildHTTPClient()
	plan, err := scanRepo(ctx, httpc, req, rc)
	if err != nil {
		emit(ProgressEvent{Level: "error", Event: EventError, Message: err.Error()})
		return "", err
	}

	var skipped, downloaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.MaxActiveDownloads)

	for _, it := range plan.Items {
		if gctx.Err() != nil {
			break
		}
		emit(ProgressEvent{Event: EventPlanItem, Path: it.RelativePath, Total: it.Size, IsLFS: it.LFS})

		it := it
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			wasSkipped, err := fetchFile(gctx, httpc, rc, it, root, emit)
			if err != nil {
				return &DownloadError{Path: it.RelativePath, Err: err}
			}
			if wasSkipped {
				skipped.Add(1)
			} else {
				downloaded.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		emit(ProgressEvent{Level: "error", Event: EventError, Message: err.Error()})
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	emit(ProgressEvent{
		Event:   EventDone,
		Message: fmt.Sprintf("download complete (downloaded %d, skipped %d)", downloaded.Load(), skipped.Load()),
	})
	return root, nil
}

// fetchFile brings one plan item up to date on disk. It reports whether the
// local copy was already complete.
func fetchFile(ctx context.Context, httpc *http.Client, cfg resolved, it PlanItem, root string, emit func(ProgressEvent)) (bool, error) {
	dst, err := securejoin.SecureJoin(root, filepath.FromSlash(it.RelativePath))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}

	if ok, reason := shouldSkipLocal(it, dst); ok {
		emit(ProgressEvent{Event: EventFileDone, Path: it.RelativePath, Total: it.Size, Message: "skip (" + reason + ")"})
		return true, nil
	}

	emit(ProgressEvent{Event: EventFileStart, Path: it.RelativePath, Total: it.Size, IsLFS: it.LFS})

	if it.AcceptRanges && it.Size >= cfg.threshold {
		err = downloadMultipart(ctx, httpc, cfg, it, dst, emit)
	} else {
		err = downloadSingle(ctx, httpc, cfg, it, dst, emit)
	}
	if err != nil {
		return false, err
	}

	switch {
	case it.LFS && it.SHA256 != "":
		err = verifySHA256(dst, it.RelativePath, it.SHA256)
	case cfg.Verify == VerifySize && it.Size > 0:
		err = verifySize(dst, it.RelativePath, it.Size)
	case cfg.Verify == VerifySHA256:
		var remote string
		if remote, err = headForSHA256(ctx, httpc, cfg.Token, it); err == nil && remote != "" {
			err = verifySHA256(dst, it.RelativePath, remote)
		}
	}
	if err != nil {
		return false, err
	}

	emit(ProgressEvent{Event: EventFileDone, Path: it.RelativePath, Total: it.Size})
	return false, nil
}

// permanent reports whether err should stop the retry loop.
func permanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Transient()
}

func statusError(resp *http.Response) *APIError {
	return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: resp.Request.URL.String()}
}

// downloadSingle downloads a file in a single streamed request. The
// temporary file is removed when the download fails.
func downloadSingle(ctx context.Context, httpc *http.Client, cfg resolved, it PlanItem, dst string, emit func(ProgressEvent)) (err error) {
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		out.Close()
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	err = withRetry(ctx, cfg, it.RelativePath, emit, func() error {
		if err := out.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		addAuth(req, cfg.Token)
		resp, err := httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp)
		}
		_, err = io.Copy(out, newProgressReader(resp.Body, it.Size, it.RelativePath, emit))
		return err
	})
	if err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// downloadMultipart downloads a file with parallel range requests into
// numbered part files, then assembles them.
func downloadMultipart(ctx context.Context, httpc *http.Client, cfg resolved, it PlanItem, dst string, emit func(ProgressEvent)) error {
	if it.Size == 0 {
		size, err := headContentLength(ctx, httpc, cfg.Token, it.URL)
		if err != nil {
			return err
		}
		it.Size = size
	}
	if it.Size == 0 {
		return downloadSingle(ctx, httpc, cfg, it, dst, emit)
	}

	n := cfg.Concurrency
	chunk := it.Size / int64(n)
	if chunk <= 0 {
		chunk = it.Size
		n = 1
	}

	tmpParts := make([]string, n)
	for i := range tmpParts {
		tmpParts[i] = fmt.Sprintf("%s.part-%02d", dst, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		start := int64(i) * chunk
		end := start + chunk - 1
		if i == n-1 {
			end = it.Size - 1
		}
		g.Go(func() error {
			return downloadRange(gctx, httpc, cfg, it, tmpParts[i], start, end, emit)
		})
	}

	stop := make(chan struct{})
	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				var done int64
				for _, p := range tmpParts {
					if fi, err := os.Stat(p); err == nil {
						done += fi.Size()
					}
				}
				emit(ProgressEvent{Event: EventFileProgress, Path: it.RelativePath, Downloaded: done, Total: it.Size})
			}
		}
	}()

	err := g.Wait()
	close(stop)
	<-ticked
	if err != nil {
		return err
	}

	if err := assembleParts(dst, tmpParts); err != nil {
		return err
	}
	emit(ProgressEvent{Event: EventFileProgress, Path: it.RelativePath, Downloaded: it.Size, Total: it.Size})
	return nil
}

// downloadRange fetches bytes [start, end] of the file into tmp.
func downloadRange(ctx context.Context, httpc *http.Client, cfg resolved, it PlanItem, tmp string, start, end int64, emit func(ProgressEvent)) error {
	if fi, err := os.Stat(tmp); err == nil && fi.Size() == end-start+1 {
		return nil
	}

	return withRetry(ctx, cfg, it.RelativePath, emit, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		addAuth(req, cfg.Token)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		resp, err := httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusPartialContent {
			if resp.StatusCode >= 300 {
				return statusError(resp)
			}
			return fmt.Errorf("range not supported (status %s)", resp.Status)
		}
		out, err := os.Create(tmp)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = io.Copy(out, resp.Body)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		return err
	})
}

func headContentLength(ctx context.Context, httpc *http.Client, token, urlStr string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return 0, err
	}
	addAuth(req, token)
	resp, err := httpc.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, statusError(resp)
	}
	if clen := resp.Header.Get("Content-Length"); clen != "" {
		return strconv.ParseInt(clen, 10, 64)
	}
	return 0, nil
}

// assembleParts concatenates parts into dst and removes them.
func assembleParts(dst string, parts []string) error {
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := appendFile(out, p); err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	for _, p := range parts {
		_ = os.Remove(p)
	}
	return nil
}

func appendFile(out io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}
