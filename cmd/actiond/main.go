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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/actiond/internal/commands/actions"
	"github.com/tombee/actiond/internal/commands/serve"
	"github.com/tombee/actiond/pkg/errors"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "actiond",
		Short: "Action server",
		Long: `actiond hosts Python action packages: it imports them, builds their
environments, and serves each package over a REST API and as an MCP
server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serve.NewStartCommand(version))
	root.AddCommand(actions.NewImportCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.IsValidation(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("actiond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
