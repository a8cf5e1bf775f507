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

// Package image implements the Image Reader of spec §4.G: open an
// ImageDirectory written by pkg/registry, build its VirtualTree via
// pkg/overlay, and serve read-only file, directory, and metadata queries
// against it.
//
// Grounded on the teacher's pkg/v1/tarball/image.go (opening a verbatim
// on-disk image and exposing read accessors over it) and
// pkg/v1/partial/partial.go's layer lookup-by-digest shape, adapted here to
// look up by layer_index into an already-merged tree rather than per-layer
// v1.Layer values.
package image

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloverzero/peeko/internal/ocierr"
	"github.com/cloverzero/peeko/pkg/digest"
	"github.com/cloverzero/peeko/pkg/layersrc"
	"github.com/cloverzero/peeko/pkg/ocispec"
	"github.com/cloverzero/peeko/pkg/overlay"
)

const maxSymlinkHops = 40

// Entry is one item in a list_dir result (spec §4.G).
type Entry struct {
	Name       string
	Kind       overlay.Kind
	Size       int64
	Mode       int64
	LinkTarget string
}

// TreeNode is one node of a get_dir_tree result (spec §4.G). Truncated is the
// sentinel "... and N more items" count when a directory's children were cut
// off at MaxItemsPerLevel.
type TreeNode struct {
	Name      string
	Kind      overlay.Kind
	Children  []*TreeNode
	Truncated int
}

// Metadata is the result of file_metadata (spec §4.G).
type Metadata struct {
	Size       int64
	LayerIndex int
	Kind       overlay.Kind
	Mode       int64
}

// Stats is the result of stats() (spec §4.G).
type Stats struct {
	Directories int
	Files       int
	Symlinks    int
	TotalSize   int64
}

// Reader serves read-only queries against one opened image (spec §4.G).
type Reader struct {
	dir        string
	layerPaths []string
	layerMTs   []ocispec.MediaType
	root       *overlay.Node
}

// Open reads dir's manifest.json, verifies every referenced layer file is
// present, and builds the VirtualTree. A missing manifest or layer file
// fails with ImageNotPresent (spec §7).
func Open(dir string) (*Reader, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ocierr.New(ocierr.ImageNotPresent, manifestPath, err)
		}
		return nil, ocierr.New(ocierr.IoError, manifestPath, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, ocierr.New(ocierr.IoError, manifestPath, err)
	}

	layers := make([]overlay.Layer, len(manifest.Layers))
	paths := make([]string, len(manifest.Layers))
	mts := make([]ocispec.MediaType, len(manifest.Layers))

	for i, l := range manifest.Layers {
		dgst, err := digest.Parse(l.Digest.String())
		if err != nil {
			return nil, ocierr.New(ocierr.ImageNotPresent, l.Digest.String(), err)
		}
		_, ext, ok := ocispec.LayerDecoderFor(l.MediaType)
		if !ok {
			return nil, ocierr.New(ocierr.UnsupportedLayerFormat, string(l.MediaType), nil)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.%s", dgst.Hex, ext))
		if _, err := os.Stat(path); err != nil {
			return nil, ocierr.New(ocierr.ImageNotPresent, path, err)
		}
		layers[i] = overlay.Layer{Path: path, MediaType: l.MediaType}
		paths[i] = path
		mts[i] = l.MediaType
	}

	root, err := overlay.Build(layers)
	if err != nil {
		return nil, err
	}

	return &Reader{dir: dir, layerPaths: paths, layerMTs: mts, root: root}, nil
}

// Dir returns the ImageDirectory path this Reader was opened from.
func (r *Reader) Dir() string { return r.dir }

// normalize applies spec §4.G path normalization and rejects "..".
func normalize(p string) (string, error) {
	if overlay.HasDotDot(p) {
		return "", ocierr.New(ocierr.NotFound, p, fmt.Errorf("path contains .."))
	}
	return overlay.Clean(p), nil
}

// resolve looks up path, following symlinks up to maxSymlinkHops (spec §4.G).
func (r *Reader) resolve(path string) (*overlay.Node, error) {
	clean, err := normalize(path)
	if err != nil {
		return nil, err
	}

	for hops := 0; ; hops++ {
		n := overlay.Lookup(r.root, clean)
		if n == nil {
			return nil, ocierr.New(ocierr.NotFound, path, nil)
		}
		if n.Kind != overlay.KindSymlink {
			return n, nil
		}
		if hops >= maxSymlinkHops {
			return nil, ocierr.New(ocierr.SymlinkLoop, path, nil)
		}
		clean = resolveRelative(clean, n.Target)
	}
}

// resolveRelative joins a symlink target against the directory containing
// from, per typical symlink semantics; an absolute target is tree-rooted.
func resolveRelative(from, target string) string {
	if strings.HasPrefix(target, "/") {
		return overlay.Clean(target)
	}
	dir := "."
	if idx := strings.LastIndex(from, "/"); idx >= 0 {
		dir = from[:idx]
	}
	return overlay.Clean(dir + "/" + target)
}

// ReadFile implements spec §4.G read_file: resolve symlinks, then stream the
// owning layer's tar to the recorded entry.
func (r *Reader) ReadFile(path string) ([]byte, error) {
	n, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if n.EffectiveKind() != overlay.KindFile {
		return nil, ocierr.New(ocierr.NotAFile, path, nil)
	}
	target := n
	if target.Kind == overlay.KindHardlink {
		target = target.Linked
	}

	clean, _ := normalize(path)
	// The virtual path resolved to a hardlink may differ from the entry's
	// own tar path; re-derive the owning layer's copy by scanning for any
	// tar entry whose cleaned path matches what the symlink/hardlink chain
	// resolved to, not the caller's original path.
	virtualPath := lookupPathOf(r.root, target)
	if virtualPath == "" {
		virtualPath = clean
	}

	return r.readFromLayer(target.LayerIndex, virtualPath)
}

// lookupPathOf is needed because a Hardlink's Linked node doesn't carry its
// own path; walk the tree once to find it. ReadFile calls it on every read,
// not only on hardlink reads.
func lookupPathOf(root *overlay.Node, target *overlay.Node) string {
	var found string
	var walk func(n *overlay.Node, prefix string)
	walk = func(n *overlay.Node, prefix string) {
		if found != "" || n.Kind != overlay.KindDirectory {
			return
		}
		for name, child := range n.Children {
			p := name
			if prefix != "" {
				p = prefix + "/" + name
			}
			if child == target {
				found = p
				return
			}
			if child.Kind == overlay.KindDirectory {
				walk(child, p)
			}
			if found != "" {
				return
			}
		}
	}
	walk(root, "")
	return found
}

func (r *Reader) readFromLayer(layerIndex int, virtualPath string) ([]byte, error) {
	if layerIndex < 0 || layerIndex >= len(r.layerPaths) {
		return nil, ocierr.New(ocierr.IoError, virtualPath, fmt.Errorf("layer index %d out of range", layerIndex))
	}

	stream, err := layersrc.Open(r.layerPaths[layerIndex], r.layerMTs[layerIndex])
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for {
		entry, err := stream.Next()
		if err == io.EOF {
			return nil, ocierr.New(ocierr.NotFound, virtualPath, nil)
		}
		if err != nil {
			return nil, err
		}
		if entry.Path != virtualPath {
			continue
		}
		if entry.Type != layersrc.TypeRegular {
			return nil, ocierr.New(ocierr.NotAFile, virtualPath, nil)
		}
		data, err := io.ReadAll(entry.Body)
		if err != nil {
			return nil, ocierr.New(ocierr.IoError, virtualPath, err)
		}
		return data, nil
	}
}

// ListDir implements spec §4.G list_dir: deterministic ascending-by-name
// order.
func (r *Reader) ListDir(path string) ([]Entry, error) {
	n, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if n.EffectiveKind() != overlay.KindDirectory {
		return nil, ocierr.New(ocierr.NotADirectory, path, nil)
	}
	dir := n
	if dir.Kind == overlay.KindHardlink {
		dir = dir.Linked
	}

	entries := make([]Entry, 0, len(dir.Children))
	for name, child := range dir.Children {
		entries = append(entries, entryOf(name, child))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func entryOf(name string, n *overlay.Node) Entry {
	e := Entry{Name: name, Kind: n.EffectiveKind()}
	target := n
	if target.Kind == overlay.KindHardlink {
		target = target.Linked
	}
	e.Size = target.Size
	e.Mode = target.Mode
	e.LinkTarget = target.Target
	return e
}

// GetDirTree implements spec §4.G get_dir_tree: bounded recursion with a
// per-level item cap and a "... and N more" sentinel on overflow.
func (r *Reader) GetDirTree(path string, depth, maxItemsPerLevel int) (*TreeNode, error) {
	n, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return buildTreeNode(pathBase(path), n, depth, maxItemsPerLevel), nil
}

func pathBase(p string) string {
	clean := overlay.Clean(p)
	if clean == "." {
		return "/"
	}
	if idx := strings.LastIndex(clean, "/"); idx >= 0 {
		return clean[idx+1:]
	}
	return clean
}

func buildTreeNode(name string, n *overlay.Node, depth, maxItemsPerLevel int) *TreeNode {
	node := &TreeNode{Name: name, Kind: n.EffectiveKind()}
	if node.Kind != overlay.KindDirectory || depth <= 0 {
		return node
	}

	dir := n
	if dir.Kind == overlay.KindHardlink {
		dir = dir.Linked
	}

	names := make([]string, 0, len(dir.Children))
	for childName := range dir.Children {
		names = append(names, childName)
	}
	sort.Strings(names)

	limit := len(names)
	truncated := 0
	if maxItemsPerLevel > 0 && len(names) > maxItemsPerLevel {
		limit = maxItemsPerLevel
		truncated = len(names) - maxItemsPerLevel
	}

	for _, childName := range names[:limit] {
		node.Children = append(node.Children, buildTreeNode(childName, dir.Children[childName], depth-1, maxItemsPerLevel))
	}
	node.Truncated = truncated
	return node
}

// FileMetadata implements spec §4.G file_metadata.
func (r *Reader) FileMetadata(path string) (Metadata, error) {
	n, err := r.resolve(path)
	if err != nil {
		return Metadata{}, err
	}
	target := n
	if target.Kind == overlay.KindHardlink {
		target = target.Linked
	}
	return Metadata{Size: target.Size, LayerIndex: target.LayerIndex, Kind: n.EffectiveKind(), Mode: target.Mode}, nil
}

// Stats implements spec §4.G stats(): a single walk of the tree.
func (r *Reader) Stats() Stats {
	var s Stats
	var walk func(n *overlay.Node)
	walk = func(n *overlay.Node) {
		switch n.EffectiveKind() {
		case overlay.KindDirectory:
			s.Directories++
			dir := n
			if dir.Kind == overlay.KindHardlink {
				dir = dir.Linked
			}
			for _, child := range dir.Children {
				walk(child)
			}
		case overlay.KindFile:
			s.Files++
			target := n
			if target.Kind == overlay.KindHardlink {
				target = target.Linked
			}
			s.TotalSize += target.Size
		case overlay.KindSymlink:
			s.Symlinks++
		}
	}
	walk(r.root)
	return s
}
