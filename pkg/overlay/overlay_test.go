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

package overlay

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloverzero/peeko/pkg/layersrc"
	"github.com/cloverzero/peeko/pkg/ocispec"
)

type tarEntry struct {
	name     string
	typeflag byte
	body     []byte
	linkname string
}

func writeLayer(t *testing.T, path string, entries []tarEntry) Layer {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Size: int64(len(e.body)), Mode: 0o644, Linkname: e.linkname}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if len(e.body) > 0 {
			if _, err := tw.Write(e.body); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return Layer{Path: path, MediaType: ocispec.MediaTypeOCILayerGzip}
}

func TestCleanRejectsDotDotOnlyViaHasDotDot(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"a/b/c", false},
		{"a/../b", true},
		{"../a", true},
		{"a/b/..", true},
		{".", false},
		{"", false},
	}
	for _, c := range cases {
		if got := HasDotDot(c.in); got != c.want {
			t.Errorf("HasDotDot(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestClean(t *testing.T) {
	cases := map[string]string{
		"/a/b":   "a/b",
		"a/./b":  "a/b",
		"":       ".",
		".":      ".",
		"a//b":   "a/b",
		"a/b///": "a/b",
	}
	for in, want := range cases {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureDirReplacesNonDirectoryAncestor(t *testing.T) {
	root := newDir()
	root.Children["a"] = &Node{Kind: KindFile, Size: 10}

	dir := ensureDir(root, "a/b")
	if dir.Kind != KindDirectory {
		t.Fatalf("expected directory at a/b, got kind %v", dir.Kind)
	}
	a := root.Children["a"]
	if a.Kind != KindDirectory {
		t.Fatalf("expected 'a' to have been replaced with a directory, got kind %v", a.Kind)
	}
}

func TestDeleteNodeRemovesTarget(t *testing.T) {
	root := newDir()
	root.Children["etc"] = newDir()
	root.Children["etc"].Children["passwd"] = &Node{Kind: KindFile, Size: 5}

	deleteNode(root, "etc/passwd")

	if _, ok := root.Children["etc"].Children["passwd"]; ok {
		t.Fatalf("expected etc/passwd to be removed")
	}
}

func TestApplyOpaqueClearsDirectory(t *testing.T) {
	root := newDir()
	dir := newDir()
	dir.Children["x"] = &Node{Kind: KindFile, Size: 1}
	dir.Children["y"] = &Node{Kind: KindFile, Size: 2}
	root.Children["d"] = dir

	applyOpaque(root, "d")

	if len(root.Children["d"].Children) != 0 {
		t.Fatalf("expected opaque dir to be emptied, got %d children", len(root.Children["d"].Children))
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	root := newDir()
	if n := Lookup(root, "no/such/path"); n != nil {
		t.Fatalf("expected nil for missing path, got %+v", n)
	}
}

func TestEffectiveKindFollowsHardlink(t *testing.T) {
	file := &Node{Kind: KindFile, Size: 42}
	link := &Node{Kind: KindHardlink, Linked: file}
	if got := link.EffectiveKind(); got != KindFile {
		t.Fatalf("EffectiveKind() = %v, want KindFile", got)
	}
}

func TestDirectoryMergeKeepsExistingChildren(t *testing.T) {
	root := newDir()
	existing := newDir()
	existing.Children["keepme"] = &Node{Kind: KindFile, Size: 1}
	root.Children["d"] = existing

	entry := &layersrc.Entry{Path: "d", Type: layersrc.TypeDirectory}
	applyEntry(root, entry, 1)

	if _, ok := root.Children["d"].Children["keepme"]; !ok {
		t.Fatalf("expected directory merge to preserve prior children")
	}
}

// TestBuildResolvesWhiteoutAcrossLayers exercises the two-layer whiteout
// scenario through Build end-to-end: layer 0 creates etc/passwd and
// etc/hostname, layer 1 carries a ".wh.passwd" marker for the former and
// leaves the latter untouched, going through applyLayer's ".wh." dispatch
// rather than calling deleteNode directly.
func TestBuildResolvesWhiteoutAcrossLayers(t *testing.T) {
	dir := t.TempDir()

	layer0 := writeLayer(t, filepath.Join(dir, "layer0.tar.gz"), []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/passwd", typeflag: tar.TypeReg, body: []byte("root:x:0:0\n")},
		{name: "etc/hostname", typeflag: tar.TypeReg, body: []byte("box\n")},
	})
	layer1 := writeLayer(t, filepath.Join(dir, "layer1.tar.gz"), []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/.wh.passwd", typeflag: tar.TypeReg},
	})

	root, err := Build([]Layer{layer0, layer1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	etc := Lookup(root, "etc")
	if etc == nil || etc.Kind != KindDirectory {
		t.Fatalf("expected etc directory, got %+v", etc)
	}
	if _, ok := etc.Children["passwd"]; ok {
		t.Fatalf("expected etc/passwd to be whited out")
	}
	if _, ok := etc.Children["hostname"]; !ok {
		t.Fatalf("expected etc/hostname to survive")
	}
	if _, ok := etc.Children[".wh.passwd"]; ok {
		t.Fatalf("expected whiteout marker itself not to be inserted into the tree")
	}
}

// TestBuildResolvesOpaqueDirectoryAcrossLayers exercises the opaque-directory
// scenario through Build end-to-end: layer 0 populates a directory with two
// files, layer 1 carries a ".wh..wh..opq" marker plus a single replacement
// file, going through applyLayer's opaque dispatch.
func TestBuildResolvesOpaqueDirectoryAcrossLayers(t *testing.T) {
	dir := t.TempDir()

	layer0 := writeLayer(t, filepath.Join(dir, "layer0.tar.gz"), []tarEntry{
		{name: "data/", typeflag: tar.TypeDir},
		{name: "data/old1", typeflag: tar.TypeReg, body: []byte("a")},
		{name: "data/old2", typeflag: tar.TypeReg, body: []byte("b")},
	})
	layer1 := writeLayer(t, filepath.Join(dir, "layer1.tar.gz"), []tarEntry{
		{name: "data/", typeflag: tar.TypeDir},
		{name: "data/.wh..wh..opq", typeflag: tar.TypeReg},
		{name: "data/new", typeflag: tar.TypeReg, body: []byte("c")},
	})

	root, err := Build([]Layer{layer0, layer1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	data := Lookup(root, "data")
	if data == nil || data.Kind != KindDirectory {
		t.Fatalf("expected data directory, got %+v", data)
	}
	if len(data.Children) != 1 {
		t.Fatalf("expected opaque dir to contain only the replacement entry, got %d children", len(data.Children))
	}
	if _, ok := data.Children["new"]; !ok {
		t.Fatalf("expected data/new to be present")
	}
}
