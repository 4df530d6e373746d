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

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Environment variable names for busy_timeout configuration
const (
	// EnvBusyTimeout is the general busy_timeout override for all contexts
	EnvBusyTimeout = "STORYVAULT_BUSY_TIMEOUT"
	// EnvServerBusyTimeout is the busy_timeout for server database access
	EnvServerBusyTimeout = "STORYVAULT_SERVER_BUSY_TIMEOUT"
	// EnvCLIBusyTimeout is the busy_timeout for CLI database access
	EnvCLIBusyTimeout = "STORYVAULT_CLI_BUSY_TIMEOUT"
)

// DBContext indicates the context in which the database is being accessed
type DBContext int

const (
	// DBContextDefault uses the general busy_timeout
	DBContextDefault DBContext = iota
	// DBContextServer uses the server-specific busy_timeout
	DBContextServer
	// DBContextCLI uses the CLI-specific busy_timeout
	DBContextCLI
)

// Package-level config values (set via SetConfigBusyTimeouts)
var (
	configServerBusyTimeout int
	configCLIBusyTimeout    int
)

// SetConfigBusyTimeouts sets the config-based busy_timeout values.
// Called by server/CLI after loading the config file. Zero values are
// ignored (use env var or default).
func SetConfigBusyTimeouts(serverTimeout, cliTimeout int) {
	configServerBusyTimeout = serverTimeout
	configCLIBusyTimeout = cliTimeout
}

// GetBusyTimeout returns the busy_timeout value for the given context.
// Priority: specific env (server/cli) > general env > config file > default
func GetBusyTimeout(ctx DBContext) int {
	var specificEnv string
	var configTimeout int
	switch ctx {
	case DBContextServer:
		specificEnv = EnvServerBusyTimeout
		configTimeout = configServerBusyTimeout
	case DBContextCLI:
		specificEnv = EnvCLIBusyTimeout
		configTimeout = configCLIBusyTimeout
	}

	if specificEnv != "" {
		if val := os.Getenv(specificEnv); val != "" {
			if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
				return timeout
			}
		}
	}

	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}

	if configTimeout > 0 {
		return configTimeout
	}

	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for the given context.
func BuildDSN(path string, ctx DBContext) string {
	timeout := GetBusyTimeout(ctx)
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, timeout)
}

// applyPragmas applies all connection PRAGMAs explicitly; libsql ignores
// DSN-based _pragma=value parameters.
func applyPragmas(db *sql.DB, ctx DBContext) error {
	// Busy timeout MUST be set first so journal_mode=WAL below waits for
	// locks instead of failing immediately with "database is locked".
	busyTimeout := GetBusyTimeout(ctx)
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: concurrent readers during writes.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL with WAL is safe against process crashes and
	// avoids an fsync on every commit.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Larger cache for better read performance (8MB).
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	return nil
}

// execPragma executes a PRAGMA that may return a result row.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// openDatabase opens the SQLite file at path, applies PRAGMAs, and on create
// installs the schema plus init statements. The schema_info 'type' value is
// checked on open so an index file can never be mistaken for an event log.
func openDatabase(path string, ctx DBContext, fileType, schema, initSQL string, create bool) (*sql.DB, error) {
	if create {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("file already exists: %s", path)
		}
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
	}

	db, err := sql.Open("libsql", BuildDSN(path, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := applyPragmas(db, ctx); err != nil {
		db.Close()
		if create {
			os.Remove(path)
		}
		return nil, err
	}

	if create {
		if err := execStatements(db, schema); err != nil {
			db.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		if err := execStatements(db, initSQL, SchemaVersion, fileType); err != nil {
			db.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to initialize %s file: %w", fileType, err)
		}
	} else {
		var got string
		err := db.QueryRow(`SELECT value FROM schema_info WHERE key = 'type'`).Scan(&got)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to read schema info: %w", err)
		}
		if got != fileType {
			db.Close()
			return nil, fmt.Errorf("not a %s file (type=%s)", fileType, got)
		}
	}

	return db, nil
}

// execStatements executes multiple SQL statements separated by semicolons.
// The libsql driver doesn't support multi-statement Exec, so we split and
// execute individually, distributing placeholder args in order.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
