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
	"os"
	"strings"

	"github.com/spf13/cobra"

	"storyvault/internal/assemble"
	"storyvault/internal/snapshot"
	"storyvault/internal/vault"
)

var (
	ctxChapter    string
	ctxScene      string
	ctxCharacters []string
	ctxAccess     string
	ctxBudget     int
	ctxNeighbors  bool
	ctxMode       string
	ctxTemplate   string
)

var contextCmd = &cobra.Command{
	Use:   "context <step>",
	Short: "Assemble a working context for a pipeline step",
	Long: `Load the entities in scope for a pipeline step and assemble them into
an ordered, optionally budget-trimmed context.

Steps: ` + strings.Join(snapshot.Steps(), ", ") + `

Examples:
  storyvault context draft_scene --scene <id>
  storyvault context character_sheet --character <id> --mode markdown
  storyvault context draft_scene --chapter <id> --budget 4000 --neighbors`,
	Args: cobra.ExactArgs(1),
	RunE: runContext,
}

func init() {
	contextCmd.Flags().StringVar(&ctxChapter, "chapter", "", "Chapter in scope")
	contextCmd.Flags().StringVar(&ctxScene, "scene", "", "Scene in scope")
	contextCmd.Flags().StringArrayVar(&ctxCharacters, "character", nil, "Character in scope (repeatable)")
	contextCmd.Flags().StringVar(&ctxAccess, "access", snapshot.AccessFull, "Access level: full or restricted")
	contextCmd.Flags().IntVar(&ctxBudget, "budget", 0, "Approximate token budget, 0 = unlimited")
	contextCmd.Flags().BoolVar(&ctxNeighbors, "neighbors", false, "Append related entities from the relationship graph")
	contextCmd.Flags().StringVar(&ctxMode, "mode", "markdown", "Output mode: markdown, json, or template")
	contextCmd.Flags().StringVar(&ctxTemplate, "template", "", "Custom text/template file (implies --mode template)")
	rootCmd.AddCommand(contextCmd)
}

func runContext(cmd *cobra.Command, args []string) error {
	v, err := openVault(vault.Options{})
	if err != nil {
		return err
	}
	defer v.Close()

	snap, err := snapshot.NewLoader(v.Index(), v.Cache(), v.Store()).Load(cmd.Context(), snapshot.Scope{
		Step:         args[0],
		ChapterID:    ctxChapter,
		SceneID:      ctxScene,
		CharacterIDs: ctxCharacters,
		AccessLevel:  ctxAccess,
		Budget:       ctxBudget,
	})
	if err != nil {
		return err
	}

	assembled, err := assemble.New(v.Index()).Assemble(cmd.Context(), snap, assemble.Options{
		Budget:           ctxBudget,
		IncludeNeighbors: ctxNeighbors,
	})
	if err != nil {
		return err
	}

	var out string
	if ctxTemplate != "" {
		tmpl, err := os.ReadFile(ctxTemplate)
		if err != nil {
			return err
		}
		out, err = assemble.RenderTemplate(assembled, string(tmpl))
		if err != nil {
			return err
		}
	} else {
		out, err = assemble.Render(assembled, assemble.RenderMode(ctxMode))
		if err != nil {
			return err
		}
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return nil
}
