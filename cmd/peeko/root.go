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

// Command peeko is a thin demonstration CLI over the registry/overlay/image
// library; the interactive menu, argument parsing beyond this, and terminal
// rendering are the out-of-scope collaborators the core is built to sit
// behind.
package main

import (
	"github.com/spf13/cobra"
)

// Root is the top-level command; subcommands register themselves onto it
// from their own init().
var Root = &cobra.Command{
	Use:   "peeko",
	Short: "Pull OCI images and browse their merged filesystem without a runtime",
}
