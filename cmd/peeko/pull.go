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
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cloverzero/peeko/pkg/ref"
	"github.com/cloverzero/peeko/pkg/registry"
)

func init() { Root.AddCommand(NewCmdPull()) }

// NewCmdPull creates a new cobra.Command for the pull subcommand.
func NewCmdPull() *cobra.Command {
	var arch, osName, dir string

	cmd := &cobra.Command{
		Use:   "pull IMAGE",
		Short: "Pull an OCI image into the downloads directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			reference, err := ref.ParseReference(args[0], ref.WeakValidation)
			if err != nil {
				return err
			}

			downloadsDir := dir
			if downloadsDir == "" {
				downloadsDir = envOr("PEEKO_DIR", "./peeko-images")
			}
			concurrency := 4
			if v := os.Getenv("CONCURRENT_DOWNLOADS"); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					concurrency = n
				}
			}

			client, err := registry.NewClient(
				registry.WithDownloadsDir(downloadsDir),
				registry.WithConcurrentDownloads(concurrency),
				registry.WithProgressObserver(stderrProgress{}),
			)
			if err != nil {
				return err
			}

			imageDir, err := client.Pull(c.Context(), registry.ImageRef{
				RegistryBaseURL: "https://" + reference.Context().RegistryStr(),
				Repository:      reference.Context().RepositoryStr(),
				Tag:             reference.Identifier(),
				Platform:        ref.Platform{Architecture: arch, OS: osName},
			})
			if err != nil {
				return err
			}

			fmt.Println(imageDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&arch, "arch", "", "Platform architecture to select from a manifest list")
	cmd.Flags().StringVar(&osName, "os", "", "Platform OS to select from a manifest list")
	cmd.Flags().StringVar(&dir, "dir", "", "Downloads directory (defaults to $PEEKO_DIR or ./peeko-images)")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// stderrProgress is a minimal ProgressObserver; terminal rendering proper
// (bars, spinners) is the out-of-scope collaborator's job.
type stderrProgress struct{}

func (stderrProgress) OnStart(layer string, totalBytes int64) {
	log.Printf("start  %s (%d bytes)", layer, totalBytes)
}

func (stderrProgress) OnProgress(layer string, delta int64) {}

func (stderrProgress) OnFinish(layer string) {
	log.Printf("done   %s", layer)
}
