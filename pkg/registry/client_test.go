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

package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	digestpkg "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cloverzero/peeko/pkg/ocispec"
	"github.com/cloverzero/peeko/pkg/ref"
)

func buildLayer(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("NAME=\"Alpine Linux\"\n")
	if err := tw.WriteHeader(&tar.Header{Name: "etc/os-release", Typeflag: tar.TypeReg, Size: int64(len(body)), Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPullHappyPathAndIdempotentRepull(t *testing.T) {
	layer := buildLayer(t)
	sum := sha256.Sum256(layer)
	layerDigest := "sha256:" + hex.EncodeToString(sum[:])

	manifest := ocispec.Manifest{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeOCIManifest,
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeOCILayerGzip, Digest: digestpkg.Digest(layerDigest), Size: int64(len(layer))},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	var blobRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(ocispec.MediaTypeOCIManifest))
		w.Write(manifestBytes)
	})
	mux.HandleFunc("/v2/library/alpine/blobs/"+layerDigest, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&blobRequests, 1)
		w.Write(layer)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	client, err := NewClient(WithDownloadsDir(dir), withHTTPTransport(http.DefaultTransport))
	if err != nil {
		t.Fatal(err)
	}

	imageRef := ImageRef{RegistryBaseURL: srv.URL, Repository: "alpine", Tag: "latest"}

	imageDir, err := client.Pull(context.Background(), imageRef)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	manifestPath := filepath.Join(imageDir, "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("expected manifest.json, got %v", err)
	}

	sumHex := hex.EncodeToString(sum[:])
	layerPath := filepath.Join(imageDir, sumHex+".tar.gz")
	if _, err := os.Stat(layerPath); err != nil {
		t.Fatalf("expected layer file, got %v", err)
	}

	if got := atomic.LoadInt32(&blobRequests); got != 1 {
		t.Fatalf("expected 1 blob request after first pull, got %d", got)
	}

	if _, err := client.Pull(context.Background(), imageRef); err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if got := atomic.LoadInt32(&blobRequests); got != 1 {
		t.Fatalf("expected still 1 blob request after idempotent re-pull, got %d", got)
	}
}

func TestPullManifestNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/missing/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	client, err := NewClient(WithDownloadsDir(dir), withHTTPTransport(http.DefaultTransport))
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Pull(context.Background(), ImageRef{RegistryBaseURL: srv.URL, Repository: "missing", Tag: "latest"})
	if err == nil {
		t.Fatal("expected ManifestNotFound error")
	}
}

// TestPullDigestMismatchRemovesPartialFile exercises scenario 4 end-to-end:
// the server serves bytes that don't hash to the digest the manifest
// declares, and Pull must fail with neither the final blob file nor its
// ".partial" temporary left behind.
func TestPullDigestMismatchRemovesPartialFile(t *testing.T) {
	layer := buildLayer(t)
	sum := sha256.Sum256(layer)
	layerDigest := "sha256:" + hex.EncodeToString(sum[:])
	sumHex := hex.EncodeToString(sum[:])

	corrupted := append([]byte{}, layer...)
	corrupted[0] ^= 0xff

	manifest := ocispec.Manifest{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeOCIManifest,
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeOCILayerGzip, Digest: digestpkg.Digest(layerDigest), Size: int64(len(layer))},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(ocispec.MediaTypeOCIManifest))
		w.Write(manifestBytes)
	})
	mux.HandleFunc("/v2/library/alpine/blobs/"+layerDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(corrupted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	client, err := NewClient(WithDownloadsDir(dir), withHTTPTransport(http.DefaultTransport))
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Pull(context.Background(), ImageRef{RegistryBaseURL: srv.URL, Repository: "alpine", Tag: "latest"})
	if err == nil {
		t.Fatal("expected DigestMismatch error from Pull")
	}

	imageDir := imagePath(dir, "library/alpine", "latest")
	if _, statErr := os.Stat(filepath.Join(imageDir, sumHex+".tar.gz")); statErr == nil {
		t.Fatal("expected final blob file not to exist after a digest mismatch")
	}
	if _, statErr := os.Stat(filepath.Join(imageDir, sumHex+".tar.gz.partial")); statErr == nil {
		t.Fatal("expected .partial file to be removed after a digest mismatch")
	}
}

// TestPullManifestListSelectsPlatformAndFetchesChild exercises scenario 6
// end-to-end: the tag resolves to a manifest list with two platform entries,
// Pull must select the matching one and fetch (and persist) the child
// manifest by digest, not the list itself.
func TestPullManifestListSelectsPlatformAndFetchesChild(t *testing.T) {
	layer := buildLayer(t)
	sum := sha256.Sum256(layer)
	layerDigest := "sha256:" + hex.EncodeToString(sum[:])

	amd64Manifest := ocispec.Manifest{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeOCIManifest,
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeOCILayerGzip, Digest: digestpkg.Digest(layerDigest), Size: int64(len(layer))},
		},
	}
	amd64Bytes, err := json.Marshal(amd64Manifest)
	if err != nil {
		t.Fatal(err)
	}
	amd64Sum := sha256.Sum256(amd64Bytes)
	amd64Digest := "sha256:" + hex.EncodeToString(amd64Sum[:])

	arm64Sum := sha256.Sum256([]byte("unused arm64 manifest body"))
	arm64Digest := "sha256:" + hex.EncodeToString(arm64Sum[:])

	index := ocispec.Index{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeOCIIndex,
		Manifests: []ocispec.Descriptor{
			{
				MediaType: ocispec.MediaTypeOCIManifest,
				Digest:    digestpkg.Digest(arm64Digest),
				Platform:  &specsv1.Platform{Architecture: "arm64", OS: "linux"},
			},
			{
				MediaType: ocispec.MediaTypeOCIManifest,
				Digest:    digestpkg.Digest(amd64Digest),
				Platform:  &specsv1.Platform{Architecture: "amd64", OS: "linux"},
			},
		},
	}
	indexBytes, err := json.Marshal(index)
	if err != nil {
		t.Fatal(err)
	}

	var childManifestRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(ocispec.MediaTypeOCIIndex))
		w.Write(indexBytes)
	})
	mux.HandleFunc("/v2/library/alpine/manifests/"+amd64Digest, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&childManifestRequests, 1)
		w.Header().Set("Content-Type", string(ocispec.MediaTypeOCIManifest))
		w.Write(amd64Bytes)
	})
	mux.HandleFunc("/v2/library/alpine/blobs/"+layerDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(layer)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	client, err := NewClient(WithDownloadsDir(dir), withHTTPTransport(http.DefaultTransport))
	if err != nil {
		t.Fatal(err)
	}

	imageDir, err := client.Pull(context.Background(), ImageRef{
		RegistryBaseURL: srv.URL,
		Repository:      "alpine",
		Tag:             "latest",
		Platform:        ref.Platform{Architecture: "amd64", OS: "linux"},
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if got := atomic.LoadInt32(&childManifestRequests); got != 1 {
		t.Fatalf("expected exactly 1 child manifest fetch, got %d", got)
	}

	got, err := os.ReadFile(filepath.Join(imageDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, amd64Bytes) {
		t.Fatal("expected manifest.json to equal the selected child manifest body, not the manifest list")
	}
}

func TestSelectPlatformEmptyFilterSelectsFirst(t *testing.T) {
	idx := ocispec.Index{
		Manifests: []ocispec.Descriptor{
			{Digest: digestpkg.Digest("sha256:" + hex.EncodeToString(make([]byte, 32)))},
		},
	}
	d, err := selectPlatform(idx, ref.Platform{})
	if err != nil {
		t.Fatalf("selectPlatform: %v", err)
	}
	if d.Digest.String() != idx.Manifests[0].Digest.String() {
		t.Fatalf("expected first entry selected")
	}
}

func TestSelectPlatformNoMatchFails(t *testing.T) {
	idx := ocispec.Index{
		Manifests: []ocispec.Descriptor{
			{Platform: &specsv1.Platform{Architecture: "amd64", OS: "linux"}},
		},
	}
	_, err := selectPlatform(idx, ref.Platform{Architecture: "arm64"})
	if err == nil {
		t.Fatal("expected PlatformUnavailable error")
	}
}

func TestNormalizeRepository(t *testing.T) {
	cases := []struct {
		repo, base, want string
	}{
		{"alpine", defaultRegistryBaseURL, "library/alpine"},
		{"myorg/app", defaultRegistryBaseURL, "myorg/app"},
		{"alpine", "https://registry.example.com", "alpine"},
	}
	for _, c := range cases {
		if got := normalizeRepository(c.repo, c.base); got != c.want {
			t.Errorf("normalizeRepository(%q, %q) = %q, want %q", c.repo, c.base, got, c.want)
		}
	}
}

func TestImagePath(t *testing.T) {
	got := imagePath("/downloads", "library/alpine", "latest")
	want := filepath.Join("/downloads", "library", "alpine", "latest")
	if got != want {
		t.Fatalf("imagePath() = %q, want %q", got, want)
	}
}

