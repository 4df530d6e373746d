// Copyright 2025 Storyvault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"storyvault/internal/vault"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a summary of the data root",
	Long: `Show the data root location, entity and event counts, and the branches
of the event log.

Examples:
  storyvault info
  storyvault info --root ~/projects/novel`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	ctx := cmd.Context()
	h, err := v.Health(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Root: %s\n", h.Root)
	fmt.Printf("Entities: %d\n", h.Entities)
	fmt.Printf("Events: %d\n", h.Events)

	branches, err := v.Events().Branches(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Branches: %d\n", len(branches))
	for _, b := range branches {
		head := b.HeadEventID
		if head == "" {
			head = "(empty)"
		}
		fmt.Printf("  %s -> %s\n", b.Name, head)
	}

	types, err := v.Index().CountEntitiesByType(ctx)
	if err != nil {
		return err
	}
	if len(types) > 0 {
		fmt.Println("Entity types:")
		for _, tc := range types {
			fmt.Printf("  %-20s %d\n", tc.Type, tc.Count)
		}
	}
	return nil
}
