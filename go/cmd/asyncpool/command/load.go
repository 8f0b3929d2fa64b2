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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/asyncpool/go/asyncpool"
)

// LoadOutput is what the load command prints.
type LoadOutput struct {
	Queries   int             `yaml:"queries"`
	Succeeded int             `yaml:"succeeded"`
	Failed    int             `yaml:"failed"`
	Elapsed   time.Duration   `yaml:"elapsed"`
	Pool      asyncpool.Stats `yaml:"pool"`
}

// AsyncPoolLoadCmd holds the load command configuration
type AsyncPoolLoadCmd struct {
	ac    *AsyncPoolCommand
	count int
	kind  string
}

// AddLoadCommand adds the load subcommand to the root command
func AddLoadCommand(root *cobra.Command, ac *AsyncPoolCommand) {
	l := &AsyncPoolLoadCmd{ac: ac}
	root.AddCommand(l.createCommand())
}

func (l *AsyncPoolLoadCmd) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load SQL",
		Short: "Issue a query many times at once",
		Long: `Issue --count copies of a query at once and wait for all of them.

The copies are spread round robin over the pool; those that find their
connection busy wait in the shared backlog. The command prints how many
succeeded and a snapshot of the pool, and fails if any copy failed.

Examples:
  asyncpool -n 4 load --count 100 "SELECT SLEEP(0.1)"`,
		Args: cobra.ExactArgs(1),
		RunE: l.runLoad,
	}
	cmd.Flags().IntVarP(&l.count, "count", "c", 10, "Number of queries to issue")
	cmd.Flags().StringVarP(&l.kind, "kind", "k", asyncpool.KindNone.String(), "Result kind (select, insert, update, raw, none)")
	return cmd
}

func (l *AsyncPoolLoadCmd) runLoad(cmd *cobra.Command, args []string) error {
	if l.count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", l.count)
	}
	kind, err := asyncpool.ParseResponseKind(l.kind)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	logger := l.ac.lg.GetLogger()
	result := LoadOutput{Queries: l.count}
	start := time.Now()

	err = l.ac.withPool(cmd.Context(), func(r *poolRun) error {
		complete := func() {
			if result.Succeeded+result.Failed < l.count {
				return
			}
			result.Elapsed = time.Since(start)
			result.Pool = r.pool.Stats()
			r.finish(writeYAML(out, result))
		}
		for i := 0; i < l.count; i++ {
			err := r.pool.Query(args[0], kind, func(any) {
				result.Succeeded++
				complete()
			}, func(err error) {
				logger.Warn("query failed", "query", args[0], "err", err)
				result.Failed++
				complete()
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d queries failed", result.Failed, result.Queries)
	}
	return nil
}
