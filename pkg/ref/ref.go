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

// Package ref parses and normalizes image references (spec §3 ImageRef,
// §4.I Reference Parsing, §6 repository normalization).
//
// Grounded on the weak/strict validation split exercised by the teacher's
// pkg/name/ref_test.go (pkg/name's own source wasn't retrieved) and on the
// library/ prefixing rule implemented by
// sampcj-2013-codecrafters-docker-go/app/image.go's sanitiseImageReference.
package ref

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationMode controls how strict repository/tag syntax checking is.
type ValidationMode int

const (
	// WeakValidation accepts any non-empty repository path segment.
	WeakValidation ValidationMode = iota
	// StrictValidation additionally requires a fully-qualified registry host.
	StrictValidation
)

const defaultRegistry = "registry-1.docker.io"

var (
	repoComponent = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*$`)
	tagPattern    = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
)

// Platform is spec §3's PlatformFilter: empty means "first entry" on a
// manifest list; otherwise every present field must match.
type Platform struct {
	Architecture string
	OS           string
	Variant      string
}

// Empty reports whether no field is set.
func (p Platform) Empty() bool {
	return p.Architecture == "" && p.OS == "" && p.Variant == ""
}

// Matches reports whether candidate satisfies every field p sets.
func (p Platform) Matches(candidate Platform) bool {
	if p.Architecture != "" && p.Architecture != candidate.Architecture {
		return false
	}
	if p.OS != "" && p.OS != candidate.OS {
		return false
	}
	if p.Variant != "" && p.Variant != candidate.Variant {
		return false
	}
	return true
}

// Repository is a registry + slash-separated repository path.
type Repository struct {
	Registry   string
	Repository string
}

// RegistryStr returns the registry host.
func (r Repository) RegistryStr() string { return r.Registry }

// RepositoryStr returns the repository path.
func (r Repository) RepositoryStr() string { return r.Repository }

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Registry, r.Repository)
}

// Reference is a fully resolved (registry, repository, tag-or-digest).
type Reference struct {
	Repository Repository
	// Exactly one of Tag or Digest is set.
	Tag    string
	Digest string
}

// Context returns the reference's repository.
func (r Reference) Context() Repository { return r.Repository }

// Identifier returns the tag or digest string used in the manifests URL path
// segment (spec §6), matching the shape the teacher's fetcher.go consumes via
// ref.Identifier().
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

func (r Reference) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s@%s", r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s:%s", r.Repository, r.Tag)
}

// ParseReference parses "[registry/]repository[:tag|@digest]" per spec §3/§6.
// A reference carrying both a tag and a digest is rejected.
func ParseReference(s string, mode ValidationMode) (Reference, error) {
	registry, rest, err := splitRegistry(s, mode)
	if err != nil {
		return Reference{}, err
	}

	repoPart := rest
	tag := ""
	digest := ""

	if i := strings.Index(rest, "@"); i >= 0 {
		repoPart = rest[:i]
		digest = rest[i+1:]
	} else if i := strings.LastIndex(rest, ":"); i >= 0 && !strings.Contains(rest[i:], "/") {
		repoPart = rest[:i]
		tag = rest[i+1:]
	}

	if repoPart == "" {
		return Reference{}, fmt.Errorf("ref: empty repository in %q", s)
	}
	if !strings.Contains(repoPart, "/") && registry == defaultRegistry {
		// Docker Hub bare-name normalization (spec §3/§6).
		repoPart = "library/" + repoPart
	}
	for _, seg := range strings.Split(repoPart, "/") {
		if !repoComponent.MatchString(seg) {
			return Reference{}, fmt.Errorf("ref: invalid repository component %q in %q", seg, s)
		}
	}

	if digest == "" && tag == "" {
		tag = "latest"
	}
	if tag != "" && !tagPattern.MatchString(tag) {
		return Reference{}, fmt.Errorf("ref: invalid tag %q", tag)
	}

	return Reference{
		Repository: Repository{Registry: registry, Repository: repoPart},
		Tag:        tag,
		Digest:     digest,
	}, nil
}

// splitRegistry separates a leading "registry.host[:port]/" component from
// the rest of the reference. Under StrictValidation, a reference that
// doesn't name a fully-qualified registry host is rejected rather than
// silently defaulted to Docker Hub (spec §4.I).
func splitRegistry(s string, mode ValidationMode) (registry, rest string, err error) {
	firstSlash := strings.Index(s, "/")
	if firstSlash < 0 {
		if mode == StrictValidation {
			return "", "", fmt.Errorf("ref: %q has no registry host (strict validation requires one)", s)
		}
		return defaultRegistry, s, nil
	}
	candidate := s[:firstSlash]
	if strings.ContainsAny(candidate, ".:") || candidate == "localhost" {
		return candidate, s[firstSlash+1:], nil
	}
	if mode == StrictValidation {
		return "", "", fmt.Errorf("ref: %q has no registry host (strict validation requires one)", s)
	}
	return defaultRegistry, s, nil
}
