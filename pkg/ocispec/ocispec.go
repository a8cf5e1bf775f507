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

// Package ocispec defines the manifest, manifest-list, and descriptor wire
// types (spec §3) and the media-type classification rules of spec §4.A.
//
// Grounded on github.com/opencontainers/image-spec's specs-go/v1 shapes (as
// consumed implicitly by the teacher's pkg/v1/remote/fetcher.go via
// types.MediaType / v1.Descriptor, and by pkg/v1/layout/puller.go's use of
// specsv1.AnnotationRefName) and on the Docker distribution manifest/manifest
// list media types the teacher's fetcher.go also accepts.
package ocispec

import (
	digestpkg "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaType is a manifest/layer/config media type string.
type MediaType string

const (
	MediaTypeOCIManifest     MediaType = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex        MediaType = "application/vnd.oci.image.index.v1+json"
	MediaTypeDockerManifest  MediaType = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList      MediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCILayer        MediaType = "application/vnd.oci.image.layer.v1.tar"
	MediaTypeOCILayerGzip    MediaType = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeOCILayerZstd    MediaType = "application/vnd.oci.image.layer.v1.tar+zstd"
	MediaTypeDockerLayerGzip MediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Acceptable is the Accept header value used when resolving a tag/digest
// (spec §6): both single-manifest and manifest-list media types.
var Acceptable = []MediaType{
	MediaTypeOCIManifest,
	MediaTypeDockerManifest,
	MediaTypeOCIIndex,
	MediaTypeDockerList,
}

// IsIndex reports whether mt names a manifest list / image index.
func (mt MediaType) IsIndex() bool {
	return mt == MediaTypeOCIIndex || mt == MediaTypeDockerList
}

// IsManifest reports whether mt names a single-platform manifest.
func (mt MediaType) IsManifest() bool {
	return mt == MediaTypeOCIManifest || mt == MediaTypeDockerManifest
}

// Decoder is the layer-blob decompression strategy selected by media type
// (spec §4.A table).
type Decoder string

const (
	DecoderTar  Decoder = "tar"
	DecoderGzip Decoder = "gzip"
	DecoderZstd Decoder = "zstd"
)

// LayerDecoderFor classifies a layer descriptor's media type into a decoder
// and the on-disk file extension spec §3's LayerBlob invariant names.
// Unknown suffixes return ok=false (caller surfaces UnsupportedLayerFormat).
func LayerDecoderFor(mt MediaType) (dec Decoder, ext string, ok bool) {
	switch mt {
	case MediaTypeOCILayer:
		return DecoderTar, "tar", true
	case MediaTypeOCILayerGzip, MediaTypeDockerLayerGzip:
		return DecoderGzip, "tar.gz", true
	case MediaTypeOCILayerZstd:
		return DecoderZstd, "tar.zst", true
	default:
		return "", "", false
	}
}

// Descriptor is a {mediaType, digest, size} reference to a blob (spec §3).
type Descriptor struct {
	MediaType MediaType         `json:"mediaType"`
	Digest    digestpkg.Digest  `json:"digest"`
	Size      int64             `json:"size"`
	Platform  *specsv1.Platform `json:"platform,omitempty"`
}

// Manifest is the single-platform manifest of spec §3: an ordered
// bottom-to-top list of layer descriptors plus a config descriptor.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     MediaType    `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// Index is the manifest list of spec §3: a set of per-platform child
// manifest descriptors.
type Index struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     MediaType    `json:"mediaType"`
	Manifests     []Descriptor `json:"manifests"`
}
