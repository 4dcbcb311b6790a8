// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bodaay/ggufpull/pkg/snapshot"
)

type treeNode struct {
	name     string
	item     *snapshot.PlanItem // nil for directories
	children map[string]*treeNode
}

func buildPlanTree(items []snapshot.PlanItem) *treeNode {
	root := &treeNode{children: map[string]*treeNode{}}
	for i := range items {
		parts := strings.Split(items[i].RelativePath, "/")
		cur := root
		for j, part := range parts {
			next, ok := cur.children[part]
			if !ok {
				next = &treeNode{name: part, children: map[string]*treeNode{}}
				cur.children[part] = next
			}
			if j == len(parts)-1 {
				next.item = &items[i]
			}
			cur = next
		}
	}
	return root
}

// writePlanTree prints plan items as a directory tree.
func writePlanTree(w io.Writer, items []snapshot.PlanItem) {
	writeTreeNode(w, buildPlanTree(items), "", true)
}

func writeTreeNode(w io.Writer, n *treeNode, prefix string, isLast bool) {
	if n.name != "" {
		marker := "├── "
		if isLast {
			marker = "└── "
		}
		line := prefix + marker + n.name
		if n.item != nil {
			line += " " + humanize.IBytes(uint64(n.item.Size))
			if n.item.LFS {
				line += " (LFS)"
			}
		}
		fmt.Fprintln(w, line)
	}

	children := make([]*treeNode, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	// Directories first, then by name.
	sort.Slice(children, func(i, j int) bool {
		di, dj := children[i].item == nil, children[j].item == nil
		if di != dj {
			return di
		}
		return children[i].name < children[j].name
	})

	for i, c := range children {
		next := prefix
		if n.name != "" {
			if isLast {
				next += "    "
			} else {
				next += "│   "
			}
		}
		writeTreeNode(w, c, next, i == len(children)-1)
	}
}
