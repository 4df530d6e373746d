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
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"storyvault/internal/server"
	"storyvault/internal/storage"
	"storyvault/internal/vault"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the data root over HTTP",
	Long: `Open the data root and expose it over HTTP: entity reads and writes,
branch operations, context assembly, and maintenance endpoints.

The server holds the single-writer lock for as long as it runs; CLI
write commands against the same root will fail until it stops.

Examples:
  storyvault serve
  storyvault serve --listen 0.0.0.0:9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	v, err := vault.Open(root, vault.Options{DBContext: storage.DBContextServer})
	if err != nil {
		return err
	}
	defer v.Close()
	applyConfigLogLevel(v)

	addr := serveListen
	if addr == "" {
		addr = v.Config().Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Serving %s on http://%s\n", root, addr)
	if err := server.New(v).Run(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
