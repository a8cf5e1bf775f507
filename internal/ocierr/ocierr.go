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

// Package ocierr defines the closed error taxonomy surfaced at the core
// boundary (spec §7). Every error here wraps an optional cause and carries
// the offending path/digest so callers can report it without re-deriving it.
package ocierr

import "fmt"

// Kind identifies one of the error categories surfaced by peeko.
type Kind string

const (
	ManifestNotFound      Kind = "ManifestNotFound"
	PlatformUnavailable   Kind = "PlatformUnavailable"
	AuthRejected          Kind = "AuthRejected"
	NetworkError          Kind = "NetworkError"
	DigestMismatch        Kind = "DigestMismatch"
	UnsupportedLayerFormat Kind = "UnsupportedLayerFormat"
	InvalidTarPath        Kind = "InvalidTarPath"
	ImageNotPresent       Kind = "ImageNotPresent"
	NotFound              Kind = "NotFound"
	NotAFile              Kind = "NotAFile"
	NotADirectory         Kind = "NotADirectory"
	SymlinkLoop           Kind = "SymlinkLoop"
	IoError               Kind = "IoError"
	Cancelled             Kind = "Cancelled"
)

// Error is the concrete type returned for every Kind above.
type Error struct {
	Kind    Kind
	Subject string // path, digest, or ref the error concerns
	Cause   error
}

func (e *Error) Error() string {
	if e.Subject == "" && e.Cause == nil {
		return string(e.Kind)
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
	}
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, ocierr.New(ocierr.NotFound, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Cause: cause}
}

// Sentinel returns a zero-subject, zero-cause *Error of the given kind, useful
// for errors.Is comparisons: errors.Is(err, ocierr.Sentinel(ocierr.NotFound)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
