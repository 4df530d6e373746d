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
	"io"
	"os"

	"github.com/spf13/cobra"

	"storyvault/internal/entity"
	"storyvault/internal/storage"
	"storyvault/internal/vault"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Read and write entities",
	Long: `Read and write individual entities. Writes go through the vault's
write coordinator so the file, the index, and the event log stay
consistent; prefer these commands over editing YAML by hand while other
tools hold the vault open.`,
}

var (
	entityBranch string
	listType     string
	listParent   string
	listLabel    string
	listLimit    int
)

var entityGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print one entity as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityGet,
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed entities",
	Long: `List indexed entities, optionally filtered.

Examples:
  storyvault entity list --type character
  storyvault entity list --parent <chapter-id>
  storyvault entity list --label protagonist`,
	Args: cobra.NoArgs,
	RunE: runEntityList,
}

var entityPutCmd = &cobra.Command{
	Use:   "put [file...]",
	Short: "Save entities from YAML files",
	Long: `Save one entity per YAML file through the write coordinator. All files
are committed as a single unit of work. Reads stdin when no files are
given. Entities without an id are assigned one.`,
	RunE: runEntityPut,
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete entities",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEntityDelete,
}

func init() {
	entityCmd.PersistentFlags().StringVarP(&entityBranch, "branch", "b", storage.DefaultBranch, "Branch to record the change on")
	entityListCmd.Flags().StringVarP(&listType, "type", "t", "", "Filter by entity type")
	entityListCmd.Flags().StringVarP(&listParent, "parent", "p", "", "Filter by parent id")
	entityListCmd.Flags().StringVar(&listLabel, "label", "", "Filter by label")
	entityListCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Maximum rows, 0 = all")
	entityCmd.AddCommand(entityGetCmd, entityListCmd, entityPutCmd, entityDeleteCmd)
	rootCmd.AddCommand(entityCmd)
}

func runEntityGet(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{})
	if err != nil {
		return err
	}
	defer v.Close()

	e, err := v.GetEntity(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := entity.Encode(e)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runEntityList(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{})
	if err != nil {
		return err
	}
	defer v.Close()

	rows, err := v.Index().QueryEntities(cmd.Context(), storage.EntityQuery{
		Type:     listType,
		ParentID: listParent,
		Label:    listLabel,
		Limit:    listLimit,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("%-18s %-36s %s\n", row.Type, row.ID, row.Name)
	}
	fmt.Printf("%d entit(ies)\n", len(rows))
	return nil
}

func runEntityPut(cmd *cobra.Command, args []string) error {
	var docs [][]byte
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		docs = append(docs, data)
	}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, data)
	}

	v, err := openVault(vault.Options{})
	if err != nil {
		return err
	}
	defer v.Close()

	u := v.NewUnitOfWork(entityBranch)
	for i, data := range docs {
		e, err := entity.Decode(data)
		if err != nil {
			u.Rollback()
			return fmt.Errorf("document %d: %w", i+1, err)
		}
		if e.ID == "" {
			e.ID = entity.NewID()
		}
		if err := u.Save(e); err != nil {
			u.Rollback()
			return fmt.Errorf("document %d: %w", i+1, err)
		}
		fmt.Printf("%s %s (%s)\n", e.Type, e.Name, e.ID)
	}
	if err := u.Commit(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("Committed %d entit(ies) on '%s'\n", len(docs), entityBranch)
	return nil
}

func runEntityDelete(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{})
	if err != nil {
		return err
	}
	defer v.Close()

	ctx := cmd.Context()
	u := v.NewUnitOfWork(entityBranch)
	for _, id := range args {
		if err := u.Delete(ctx, id); err != nil {
			u.Rollback()
			return err
		}
	}
	if err := u.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("Deleted %d entit(ies) on '%s'\n", len(args), entityBranch)
	return nil
}
