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
	"time"

	"github.com/spf13/cobra"

	"storyvault/internal/vault"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the index with the entity files",
	Long: `Scan the entities directory and bring the relational index up to date
with files edited, added, or removed outside the vault. Unchanged files
are detected by modification time and skipped without hashing.

With --full the index is dropped and rebuilt from scratch. That is the
recovery path for a corrupt or lost index; the YAML files are the source
of truth and nothing is lost.

Examples:
  storyvault sync
  storyvault sync --full`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify consistency between files and index",
	Long: `Cross-check the entity files against the relational index without
modifying either. Reports missing files, stale index rows, unindexed
files, and orphaned temp files. Exit status is non-zero when issues are
found; 'storyvault sync' repairs them.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Drop and rebuild the index from scratch")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	progress := func(done, total int) {
		fmt.Printf("\rHashing %d/%d", done, total)
		if done == total {
			fmt.Println()
		}
	}

	var result *vault.SyncResult
	ctx := cmd.Context()
	if syncFull {
		result, err = v.Reindex(ctx, progress)
	} else {
		result, err = v.Sync(ctx, progress)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Synced in %v\n", result.Elapsed.Round(time.Millisecond))
	fmt.Printf("  unchanged: %d\n", result.Unchanged)
	fmt.Printf("  touched:   %d\n", result.Touched)
	fmt.Printf("  changed:   %d\n", result.Changed)
	fmt.Printf("  new:       %d\n", result.New)
	fmt.Printf("  deleted:   %d\n", result.Deleted)
	if result.Skipped > 0 {
		fmt.Printf("  skipped:   %d (unreadable, see log)\n", result.Skipped)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	report, err := v.Check(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d file(s) against %d index row(s)\n", report.Files, report.Entities)
	if report.Clean() {
		fmt.Println("No issues found.")
		return nil
	}
	for _, issue := range report.Issues {
		fmt.Printf("  [%s] %s", issue.Kind, issue.Path)
		if issue.Detail != "" {
			fmt.Printf(" (%s)", issue.Detail)
		}
		fmt.Println()
	}
	return fmt.Errorf("%d issue(s) found; run 'storyvault sync' to repair", len(report.Issues))
}
