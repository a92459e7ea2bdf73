// Copyright 2025 Tom Barlow
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

// Package actions implements the import command.
package actions

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/actiond/internal/config"
	"github.com/tombee/actiond/internal/log"
	"github.com/tombee/actiond/internal/pkgload"
	"github.com/tombee/actiond/internal/store"
)

// Import command flags
var (
	configPath string
	dataDir    string
	skipLint   bool
	failOnLint bool
)

// NewImportCommand creates the import command. It publishes the
// packages under a directory into the server database without serving.
func NewImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import action packages into the server database",
		Long: `Scan a directory for action packages, analyze their entry points
and publish them into the server database. Packages already present
are updated in place; their actions are replaced by the new scan.`,
		Example: `  # Import everything under ./actions
  actiond import ./actions

  # Fail the import when the analyzer reports warnings
  actiond import ./actions --fail-on-lint`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&dataDir, "datadir", "", "Data directory (default: ~/.actiond)")
	cmd.Flags().BoolVar(&skipLint, "skip-lint", false, "Skip static analysis of action code")
	cmd.Flags().BoolVar(&failOnLint, "fail-on-lint", false, "Treat lint warnings as import errors")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(store.Config{Path: cfg.DatabasePath(), WAL: true})
	if err != nil {
		return err
	}
	defer st.Close()

	loader := pkgload.NewLoader(pkgload.Config{
		SkipLint:   skipLint,
		FailOnLint: failOnLint,
	}, st, log.New(log.FromEnv()))

	results, err := loader.ImportDir(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	for _, res := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d actions\n", res.Package.Name, len(res.Actions))
		for _, warn := range res.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s\n", warn)
		}
	}
	return nil
}
