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
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloverzero/peeko/pkg/image"
)

func init() { Root.AddCommand(NewCmdTree()) }

// NewCmdTree creates a new cobra.Command for the tree subcommand. Full tree
// rendering (box-drawing, colors) belongs to the out-of-scope terminal
// renderer; this prints an indented listing only.
func NewCmdTree() *cobra.Command {
	var depth, maxItems int

	cmd := &cobra.Command{
		Use:   "tree IMAGE_DIR PATH",
		Short: "Print a bounded directory tree from a pulled image",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := image.Open(args[0])
			if err != nil {
				return err
			}
			root, err := r.GetDirTree(args[1], depth, maxItems)
			if err != nil {
				return err
			}
			printTree(root, 0)
			return nil
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 3, "Maximum recursion depth")
	cmd.Flags().IntVar(&maxItems, "max-items", 50, "Maximum items listed per directory level")

	return cmd
}

func printTree(n *image.TreeNode, indent int) {
	fmt.Printf("%s%s (%s)\n", strings.Repeat("  ", indent), n.Name, kindString(n.Kind))
	for _, child := range n.Children {
		printTree(child, indent+1)
	}
	if n.Truncated > 0 {
		fmt.Printf("%s... and %d more items\n", strings.Repeat("  ", indent+1), n.Truncated)
	}
}
