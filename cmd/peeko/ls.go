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

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloverzero/peeko/pkg/image"
	"github.com/cloverzero/peeko/pkg/overlay"
)

func init() { Root.AddCommand(NewCmdLs()) }

// NewCmdLs creates a new cobra.Command for the ls subcommand.
func NewCmdLs() *cobra.Command {
	return &cobra.Command{
		Use:   "ls IMAGE_DIR PATH",
		Short: "List a directory inside a pulled image's merged filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := image.Open(args[0])
			if err != nil {
				return err
			}
			entries, err := r.ListDir(args[1])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 4, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", kindString(e.Kind), e.Name, e.Size)
			}
			return tw.Flush()
		},
	}
}

func kindString(k overlay.Kind) string {
	switch k {
	case overlay.KindDirectory:
		return "dir"
	case overlay.KindFile:
		return "file"
	case overlay.KindSymlink:
		return "symlink"
	case overlay.KindHardlink:
		return "hardlink"
	case overlay.KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}
