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

	"github.com/spf13/cobra"

	"github.com/cloverzero/peeko/pkg/image"
)

func init() {
	Root.AddCommand(NewCmdStat())
	Root.AddCommand(NewCmdStats())
}

// NewCmdStat creates a new cobra.Command for the stat subcommand.
func NewCmdStat() *cobra.Command {
	return &cobra.Command{
		Use:   "stat IMAGE_DIR PATH",
		Short: "Print metadata for a path inside a pulled image's merged filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := image.Open(args[0])
			if err != nil {
				return err
			}
			meta, err := r.FileMetadata(args[1])
			if err != nil {
				return err
			}
			fmt.Printf("kind=%s size=%d mode=%o layer=%d\n", kindString(meta.Kind), meta.Size, meta.Mode, meta.LayerIndex)
			return nil
		},
	}
}

// NewCmdStats creates a new cobra.Command for the stats subcommand.
func NewCmdStats() *cobra.Command {
	return &cobra.Command{
		Use:   "stats IMAGE_DIR",
		Short: "Summarize a pulled image's merged filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := image.Open(args[0])
			if err != nil {
				return err
			}
			s := r.Stats()
			fmt.Printf("directories=%d files=%d symlinks=%d total_size=%d\n", s.Directories, s.Files, s.Symlinks, s.TotalSize)
			return nil
		},
	}
}
