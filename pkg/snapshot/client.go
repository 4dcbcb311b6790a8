// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomnomnom/linkheader"
)

// DefaultEndpoint is the default Hugging Face Hub URL.
const DefaultEndpoint = "https://huggingface.co"

// userAgent is sent with every registry request.
const userAgent = "ggufpull/1"

// getEndpoint returns the endpoint to use, falling back to default if empty.
func getEndpoint(endpoint string) string {
	if endpoint == "" {
		return DefaultEndpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// hubNode represents a file or directory in the repository tree.
type hubNode struct {
	Type   string      `json:"type"` // "file"|"directory" (sometimes "blob"|"tree")
	Path   string      `json:"path"`
	Size   int64       `json:"size,omitempty"`
	LFS    *hubLfsInfo `json:"lfs,omitempty"`
	Sha256 string      `json:"sha256,omitempty"`
}

// hubLfsInfo contains LFS metadata for large files.
type hubLfsInfo struct {
	Oid    string `json:"oid,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Sha256 string `json:"sha256,omitempty"`
}

func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// addAuth adds authentication and user-agent headers to a request.
func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", userAgent)
}

// headForSHA256 fetches the server-side SHA-256 header for a file, if any.
// A non-2xx answer is an error, never an empty digest.
func headForSHA256(ctx context.Context, httpc *http.Client, token string, it PlanItem) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, it.URL, nil)
	if err != nil {
		return "", err
	}
	addAuth(req, token)
	resp, err := httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp)
	}
	return resp.Header.Get("x-amz-meta-sha256"), nil
}

// newAPIError converts a non-2xx response into an *APIError.
func newAPIError(resp *http.Response, endpoint string, req Request) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		URL:        resp.Request.URL.String(),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		e.Message = fmt.Sprintf("repo requires a token or you do not have access (visit %s)", agreementURL(endpoint, req))
	case http.StatusForbidden:
		e.Message = fmt.Sprintf("please accept the repository terms: %s", agreementURL(endpoint, req))
	case http.StatusNotFound:
		e.Message = fmt.Sprintf("%s@%s not found", req.Repo, req.Revision)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e.Message = strings.TrimSpace(string(b))
	}
	return e
}

// walkTree recursively walks the repository tree. Large directories are
// listed in pages chained by a Link rel="next" header; every page is read.
func walkTree(ctx context.Context, httpc *http.Client, token, endpoint string, req Request, prefix string, fn func(hubNode) error) error {
	next := treeURL(endpoint, req, prefix)
	for next != "" {
		nodes, more, err := fetchTreePage(ctx, httpc, token, endpoint, req, next)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			switch n.Type {
			case "directory", "tree":
				if err := walkTree(ctx, httpc, token, endpoint, req, n.Path, fn); err != nil {
					return err
				}
			default:
				if err := fn(n); err != nil {
					return err
				}
			}
		}
		next = more
	}
	return nil
}

// fetchTreePage decodes one tree listing page and returns the absolute URL
// of the following page, or "" on the last one.
func fetchTreePage(ctx context.Context, httpc *http.Client, token, endpoint string, req Request, pageURL string) ([]hubNode, string, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	addAuth(hreq, token)
	resp, err := httpc.Do(hreq)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", newAPIError(resp, endpoint, req)
	}

	var nodes []hubNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, "", fmt.Errorf("decode tree listing: %w", err)
	}

	links := linkheader.ParseMultiple(resp.Header.Values("Link")).FilterByRel("next")
	if len(links) == 0 {
		return nodes, "", nil
	}
	ref, err := url.Parse(links[0].URL)
	if err != nil {
		return nil, "", fmt.Errorf("tree listing next page %q: %w", links[0].URL, err)
	}
	next := hreq.URL.ResolveReference(ref).String()
	if next == pageURL {
		return nil, "", fmt.Errorf("tree listing %s links to itself", pageURL)
	}
	return nodes, next, nil
}

// URL builders. The repo ID keeps its literal slash.

func repoPrefix(endpoint string, req Request) string {
	ep := getEndpoint(endpoint)
	if req.IsDataset {
		return ep + "/datasets/" + req.Repo
	}
	return ep + "/" + req.Repo
}

func rawURL(endpoint string, req Request, path string) string {
	return fmt.Sprintf("%s/raw/%s/%s", repoPrefix(endpoint, req), url.PathEscape(req.Revision), pathEscapeAll(path))
}

func lfsURL(endpoint string, req Request, path string) string {
	return fmt.Sprintf("%s/resolve/%s/%s", repoPrefix(endpoint, req), url.PathEscape(req.Revision), pathEscapeAll(path))
}

func treeURL(endpoint string, req Request, prefix string) string {
	kind := "models"
	if req.IsDataset {
		kind = "datasets"
	}
	u := fmt.Sprintf("%s/api/%s/%s/tree/%s", getEndpoint(endpoint), kind, req.Repo, url.PathEscape(req.Revision))
	if prefix != "" {
		u += "/" + pathEscapeAll(prefix)
	}
	return u
}

func agreementURL(endpoint string, req Request) string {
	return repoPrefix(endpoint, req)
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
