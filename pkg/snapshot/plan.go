// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"net/http"
)

// PlanItem represents a single file selected for download.
type PlanItem struct {
	RelativePath string `json:"path"`
	URL          string `json:"url"`
	LFS          bool   `json:"lfs"`
	SHA256       string `json:"sha256,omitempty"`
	Size         int64  `json:"size"`
	AcceptRanges bool   `json:"acceptRanges"`
}

// Plan contains the files a fetch would download.
type Plan struct {
	Repo     string     `json:"repo"`
	Revision string     `json:"revision"`
	Items    []PlanItem `json:"items"`
}

// TotalSize returns the sum of all item sizes.
func (p *Plan) TotalSize() int64 {
	var n int64
	for _, it := range p.Items {
		n += it.Size
	}
	return n
}

// PlanRepo lists the files matching req without downloading anything.
func PlanRepo(ctx context.Context, req Request, cfg Settings) (*Plan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rc, err := resolve(&req, cfg)
	if err != nil {
		return nil, err
	}
	return scanRepo(ctx, buildHTTPClient(), req, rc)
}

// scanRepo walks the repo tree and keeps files accepted by the path filter.
func scanRepo(ctx context.Context, httpc *http.Client, req Request, cfg resolved) (*Plan, error) {
	filter, err := newPathFilter(req)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Repo: req.Repo, Revision: req.Revision}
	seen := make(map[string]struct{})

	err = walkTree(ctx, httpc, cfg.Token, cfg.Endpoint, req, "", func(n hubNode) error {
		if n.Type != "file" && n.Type != "blob" {
			return nil
		}
		rel := n.Path
		if _, ok := seen[rel]; ok {
			return nil
		}
		seen[rel] = struct{}{}

		if !filter.Match(rel) {
			return nil
		}

		isLFS := n.LFS != nil
		urlStr := rawURL(cfg.Endpoint, req, rel)
		if isLFS {
			urlStr = lfsURL(cfg.Endpoint, req, rel)
		}

		// For LFS files n.Size is the pointer size, not the object size.
		size := n.Size
		if n.LFS != nil && n.LFS.Size > 0 {
			size = n.LFS.Size
		}

		sha := n.Sha256
		if sha == "" && n.LFS != nil {
			sha = n.LFS.Sha256
		}
		// The tree API reports the LFS object id, which is the sha256 of the content.
		if sha == "" && n.LFS != nil {
			sha = n.LFS.Oid
		}

		plan.Items = append(plan.Items, PlanItem{
			RelativePath: rel,
			URL:          urlStr,
			LFS:          isLFS,
			SHA256:       sha,
			Size:         size,
			AcceptRanges: isLFS,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}
