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
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"storyvault/internal/common"
	"storyvault/internal/storage"
	"storyvault/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	flagRoot    string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "storyvault",
	Short: "Versioned store for narrative project data",
	Long: `Storyvault keeps a narrative project's entities as human-editable YAML
files and layers a relational index, a change cache, and a branchable
event log on top. The YAML files are the source of truth; everything
else is rebuilt from them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if flagVerbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("storyvault version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&flagRoot, "root", "r", "", "Data root (default: nearest ancestor with a .storyvault directory)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// resolveRoot finds the data root: --root if given, otherwise the
// nearest ancestor of the working directory containing .storyvault.
func resolveRoot() (string, error) {
	if flagRoot != "" {
		return filepath.Abs(flagRoot)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, common.InternalDir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside a storyvault root (no %s directory found); run 'storyvault init' first", common.InternalDir)
		}
		dir = parent
	}
}

// openVault resolves the data root and opens it with CLI timeouts.
// Callers must Close the returned vault.
func openVault(opts vault.Options) (*vault.Vault, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	opts.DBContext = storage.DBContextCLI
	v, err := vault.Open(root, opts)
	if err != nil {
		return nil, err
	}
	applyConfigLogLevel(v)
	return v, nil
}

// applyConfigLogLevel lowers the log level per config; --verbose wins.
func applyConfigLogLevel(v *vault.Vault) {
	if flagVerbose {
		return
	}
	cfg := v.Config()
	if !cfg.LoggingEnabled() {
		log.SetLevel(log.PanicLevel)
		return
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel()); err == nil {
		log.SetLevel(lvl)
	}
}
