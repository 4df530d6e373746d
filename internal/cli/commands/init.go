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
	"path/filepath"

	"github.com/spf13/cobra"

	"storyvault/internal/vault"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a storyvault data root",
	Long: `Initialize a new storyvault data root in the specified directory (or
current directory).

Creates the entities/ directory, a .storyvault directory with default
configuration, an empty relational index, and an event log with the
"main" branch. Similar to 'git init', this prepares the directory for
storyvault operations.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absDir, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if err := vault.Init(absDir); err != nil {
		return err
	}
	fmt.Printf("Initialized empty storyvault data root in %s\n", absDir)
	fmt.Printf("  created entities/\n")
	fmt.Printf("  created .storyvault/config.yaml\n")
	fmt.Printf("  created .storyvault/index.db\n")
	fmt.Printf("  created .storyvault/events.db\n")
	return nil
}
