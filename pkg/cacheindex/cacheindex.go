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

// Package cacheindex implements the Cache Enumerator of spec §4.H: scan a
// downloads root and report each present (repository, tag) pair with its
// on-disk size.
//
// Grounded on the teacher's pkg/v1/layout/layout.go and index.go (walking a
// directory-based OCI layout and trusting only leaf directories that carry a
// manifest), adapted from single-index-per-root to the nested
// <repository…>/<tag> convention spec §6 specifies. Pure stdlib (path/filepath)
// — nothing in the pack ships a directory-walking library beyond this idiom.
package cacheindex

import (
	"os"
	"path/filepath"
	"strings"
)

// Image is one entry of collect_images (spec §4.H).
type Image struct {
	Repository string
	Tag        string
	SizeBytes  int64
}

// Collect walks root/*/…/*/ looking for directories containing a
// manifest.json, treating the path from root to that directory's parent as
// the repository and the directory's own name as the tag (spec §6's
// <downloads_dir>/<repo path segments…>/<tag>/ layout).
func Collect(root string) ([]Image, error) {
	var images []Image

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		found, err := walkRepository(root, e.Name())
		if err != nil {
			return nil, err
		}
		images = append(images, found...)
	}
	return images, nil
}

// walkRepository descends from root/firstSegment looking for tag leaf
// directories (ones containing manifest.json) at any depth, so repository
// names with internal slashes (e.g. "library/alpine") are handled as well as
// bare ones.
func walkRepository(root, firstSegment string) ([]Image, error) {
	var images []Image
	base := filepath.Join(root, firstSegment)

	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() != "manifest.json" {
			return nil
		}

		tagDir := filepath.Dir(path)
		size, err := dirSize(tagDir)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, tagDir)
		if err != nil {
			return err
		}
		repository, tag := splitRepoTag(rel)
		images = append(images, Image{Repository: repository, Tag: tag, SizeBytes: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// splitRepoTag splits "a/b/tag" into repository "a/b" and tag "tag".
func splitRepoTag(rel string) (repository, tag string) {
	rel = filepath.ToSlash(rel)
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return "", rel
	}
	return rel[:idx], rel[idx+1:]
}

// dirSize sums the apparent size of every regular file directly under dir
// except manifest.json, i.e. the layer blobs (spec §4.H counts "the byte
// sizes of its layer files").
func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || e.Name() == "manifest.json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
