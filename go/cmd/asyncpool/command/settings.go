// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"github.com/spf13/cobra"

	"github.com/multigres/asyncpool/go/asyncpool"
)

// AddSettingsCommand adds the settings subcommand to the root command
func AddSettingsCommand(root *cobra.Command, ac *AsyncPoolCommand) {
	root.AddCommand(&cobra.Command{
		Use:   "settings",
		Short: "Print the merged pool settings",
		Long: `Print the settings a pool would be built with, after merging flags,
environment and config file over the built-in defaults. The password is
never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := asyncpool.MergeSettings(asyncpool.Defaults(), ac.overrides())
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), settings)
		},
	})
}
