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

package ocispec

import (
	"encoding/json"
	"testing"
)

func TestIsIndex(t *testing.T) {
	cases := map[MediaType]bool{
		MediaTypeOCIIndex:       true,
		MediaTypeDockerList:     true,
		MediaTypeOCIManifest:    false,
		MediaTypeDockerManifest: false,
	}
	for mt, want := range cases {
		if got := mt.IsIndex(); got != want {
			t.Errorf("%s.IsIndex() = %v, want %v", mt, got, want)
		}
	}
}

func TestIsManifest(t *testing.T) {
	cases := map[MediaType]bool{
		MediaTypeOCIManifest:    true,
		MediaTypeDockerManifest: true,
		MediaTypeOCIIndex:       false,
	}
	for mt, want := range cases {
		if got := mt.IsManifest(); got != want {
			t.Errorf("%s.IsManifest() = %v, want %v", mt, got, want)
		}
	}
}

func TestLayerDecoderFor(t *testing.T) {
	cases := []struct {
		mt      MediaType
		wantDec Decoder
		wantExt string
		wantOK  bool
	}{
		{MediaTypeOCILayer, DecoderTar, "tar", true},
		{MediaTypeOCILayerGzip, DecoderGzip, "tar.gz", true},
		{MediaTypeDockerLayerGzip, DecoderGzip, "tar.gz", true},
		{MediaTypeOCILayerZstd, DecoderZstd, "tar.zst", true},
		{"application/unknown", "", "", false},
	}
	for _, c := range cases {
		dec, ext, ok := LayerDecoderFor(c.mt)
		if dec != c.wantDec || ext != c.wantExt || ok != c.wantOK {
			t.Errorf("LayerDecoderFor(%s) = (%s, %s, %v), want (%s, %s, %v)", c.mt, dec, ext, ok, c.wantDec, c.wantExt, c.wantOK)
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	raw := `{
		"schemaVersion": 2,
		"mediaType": "application/vnd.oci.image.manifest.v1+json",
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:` + sixtyFourHexChars() + `", "size": 100},
		"layers": [
			{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:` + sixtyFourHexChars() + `", "size": 200}
		]
	}`
	var m Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.SchemaVersion != 2 || len(m.Layers) != 1 || m.Layers[0].Size != 200 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func sixtyFourHexChars() string {
	hex := make([]byte, 64)
	for i := range hex {
		hex[i] = 'a'
	}
	return string(hex)
}
