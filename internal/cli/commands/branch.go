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
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storyvault/internal/storage"
	"storyvault/internal/vault"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage event log branches",
	Long: `Manage the branches of the event log. A branch is a named pointer to a
head event; forking a branch shares its history up to the fork point and
diverges from there. Entity files on disk always reflect the branch
being written to.`,
}

var (
	forkSource string
	forkPoint  string
)

var branchForkCmd = &cobra.Command{
	Use:   "fork <name>",
	Short: "Fork a new branch",
	Long: `Create a new branch sharing history with the source branch up to the
fork point (the source head when not given).

Examples:
  storyvault branch fork what-if
  storyvault branch fork alt-ending --source what-if
  storyvault branch fork rewind --at 0198a6e2-7b1c-7f3a-9c44-2d1e8f0a5b6c`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchFork,
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE:  runBranchList,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch",
	Long:  `Soft-delete a branch. Its events remain reachable from other branches that share them; the "main" branch cannot be deleted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchDelete,
}

var branchLogCmd = &cobra.Command{
	Use:   "log <name>",
	Short: "Show a branch's event history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchLog,
}

var branchDiffCmd = &cobra.Command{
	Use:   "diff <from> <to>",
	Short: "Compare the projected states of two branches",
	Args:  cobra.ExactArgs(2),
	RunE:  runBranchDiff,
}

var branchLogLimit int

func init() {
	branchForkCmd.Flags().StringVarP(&forkSource, "source", "s", storage.DefaultBranch, "Branch to fork from")
	branchForkCmd.Flags().StringVar(&forkPoint, "at", "", "Fork point event id (default: source head)")
	branchLogCmd.Flags().IntVarP(&branchLogLimit, "limit", "n", 20, "Maximum events to show, 0 = all")
	branchCmd.AddCommand(branchForkCmd, branchListCmd, branchDeleteCmd, branchLogCmd, branchDiffCmd)
	rootCmd.AddCommand(branchCmd)
}

func runBranchFork(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	b, err := v.Events().Fork(cmd.Context(), forkSource, args[0], forkPoint)
	if err != nil {
		return err
	}
	fmt.Printf("Forked branch '%s' from '%s'\n", b.Name, forkSource)
	if b.HeadEventID != "" {
		fmt.Printf("  head: %s\n", b.HeadEventID)
	}
	return nil
}

func runBranchList(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	ctx := cmd.Context()
	branches, err := v.Events().Branches(ctx)
	if err != nil {
		return err
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	for _, b := range branches {
		n, err := v.Events().File().CountEvents(ctx, b.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %4d event(s)  created %s\n",
			b.Name, n, time.Unix(b.CreatedAt, 0).Format("2006-01-02 15:04"))
	}
	return nil
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Events().DeleteBranch(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted branch '%s'\n", args[0])
	return nil
}

func runBranchLog(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	events, err := v.Events().History(cmd.Context(), args[0], branchLogLimit)
	if err != nil {
		return err
	}
	// History is oldest-first; print newest-first like git log.
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		fmt.Printf("%s  %-6s %s  %s\n",
			time.Unix(e.CreatedAt, 0).Format(time.RFC3339), e.Kind, e.EntityID, e.ID)
	}
	return nil
}

func runBranchDiff(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{SkipSync: true})
	if err != nil {
		return err
	}
	defer v.Close()

	diff, err := v.Events().CompareBranches(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if diff.Empty() {
		fmt.Printf("Branches '%s' and '%s' project the same state\n", args[0], args[1])
		return nil
	}
	for _, c := range diff.Added {
		fmt.Printf("+ %s %s (%s)\n", c.Type, c.Name, c.EntityID)
	}
	for _, c := range diff.Removed {
		fmt.Printf("- %s %s (%s)\n", c.Type, c.Name, c.EntityID)
	}
	for _, c := range diff.Changed {
		fmt.Printf("~ %s %s (%s): %s\n", c.Type, c.Name, c.EntityID, strings.Join(c.Fields, ", "))
	}
	return nil
}
