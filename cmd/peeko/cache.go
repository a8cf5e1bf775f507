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

	"github.com/cloverzero/peeko/pkg/cacheindex"
)

func init() { Root.AddCommand(NewCmdCache()) }

// NewCmdCache creates a new cobra.Command for the cache subcommand.
func NewCmdCache() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List pulled images under the downloads directory with their sizes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			root := dir
			if root == "" {
				root = envOr("PEEKO_DIR", "./peeko-images")
			}
			images, err := cacheindex.Collect(root)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 4, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "REPOSITORY\tTAG\tSIZE\n")
			for _, img := range images {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", img.Repository, img.Tag, img.SizeBytes)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Downloads directory (defaults to $PEEKO_DIR or ./peeko-images)")

	return cmd
}
