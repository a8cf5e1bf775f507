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

// Package logs holds the loggers used throughout peeko.
//
// Callers that want to see what's happening point these at os.Stderr (or
// anywhere else); by default everything is discarded.
package logs

import (
	"io"
	"log"
)

var (
	// Warn logs warnings, e.g. a hardlink that couldn't be resolved.
	Warn = log.New(io.Discard, "", log.LstdFlags)

	// Debug logs verbose protocol and overlay-build tracing.
	Debug = log.New(io.Discard, "", log.LstdFlags)

	// Progress logs layer download progress ticks.
	Progress = log.New(io.Discard, "", log.LstdFlags)
)
