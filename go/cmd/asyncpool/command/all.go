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

// AllOutput is what the all command prints.
type AllOutput struct {
	Connections int `yaml:"connections"`
}

// AsyncPoolAllCmd holds the all command configuration
type AsyncPoolAllCmd struct {
	ac   *AsyncPoolCommand
	kind string
}

// AddAllCommand adds the all subcommand to the root command
func AddAllCommand(root *cobra.Command, ac *AsyncPoolCommand) {
	a := &AsyncPoolAllCmd{ac: ac}
	root.AddCommand(a.createCommand())
}

func (a *AsyncPoolAllCmd) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "all SQL",
		Short: "Run a query once on every connection",
		Long: `Run a query once on every connection of the pool, for session level
statements such as SET. The command completes when every connection has
answered; the first failure ends it with that error.

Examples:
  asyncpool -n 8 all "SET time_zone = '+00:00'"`,
		Args: cobra.ExactArgs(1),
		RunE: a.runAll,
	}
	cmd.Flags().StringVarP(&a.kind, "kind", "k", asyncpool.KindNone.String(), "Result kind (select, insert, update, raw, none)")
	return cmd
}

func (a *AsyncPoolAllCmd) runAll(cmd *cobra.Command, args []string) error {
	kind, err := asyncpool.ParseResponseKind(a.kind)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	return a.ac.withPool(cmd.Context(), func(r *poolRun) error {
		// Copies carry no error callback, so failures reach the pool's
		// default error handler, which ends the run.
		return r.pool.All(args[0], kind, func() {
			r.finish(writeYAML(out, AllOutput{Connections: len(r.pool.Connections())}))
		})
	})
}
