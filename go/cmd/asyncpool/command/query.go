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
	"io"

	"github.com/spf13/cobra"

	"github.com/multigres/asyncpool/go/asyncpool"
	"github.com/multigres/asyncpool/go/dbclient"
)

// QueryOutput is what the query command prints.
type QueryOutput struct {
	Kind         string         `yaml:"kind"`
	Columns      []string       `yaml:"columns,omitempty"`
	Rows         []dbclient.Row `yaml:"rows,omitempty"`
	RowsAffected *int64         `yaml:"rows-affected,omitempty"`
	LastInsertID *int64         `yaml:"last-insert-id,omitempty"`
}

// AsyncPoolQueryCmd holds the query command configuration
type AsyncPoolQueryCmd struct {
	ac   *AsyncPoolCommand
	kind string
}

// AddQueryCommand adds the query subcommand to the root command
func AddQueryCommand(root *cobra.Command, ac *AsyncPoolCommand) {
	q := &AsyncPoolQueryCmd{ac: ac}
	root.AddCommand(q.createCommand())
}

func (q *AsyncPoolQueryCmd) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query SQL",
		Short: "Run one query through the pool",
		Long: `Run one query through the pool and print its result as YAML.

--kind selects how the result is shaped: select prints the rows, insert the
last insert id, update the affected row count, raw the columns, rows and
count, and none only the kind.

Examples:
  asyncpool query "SELECT id, name FROM users"
  asyncpool query --kind insert "INSERT INTO users (name) VALUES ('ann')"
  asyncpool --driver postgres -D shop query --kind update "UPDATE stock SET n = n - 1"`,
		Args: cobra.ExactArgs(1),
		RunE: q.runQuery,
	}
	cmd.Flags().StringVarP(&q.kind, "kind", "k", asyncpool.KindSelect.String(), "Result kind (select, insert, update, raw, none)")
	return cmd
}

func (q *AsyncPoolQueryCmd) runQuery(cmd *cobra.Command, args []string) error {
	kind, err := asyncpool.ParseResponseKind(q.kind)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	return q.ac.withPool(cmd.Context(), func(r *poolRun) error {
		return r.pool.Query(args[0], kind, func(v any) {
			r.finish(printResult(out, kind, v))
		}, r.finish)
	})
}

// printResult writes a decoded result. Raw results are read before the
// callback returns, while they are still open.
func printResult(w io.Writer, kind asyncpool.ResponseKind, v any) error {
	out := QueryOutput{Kind: kind.String()}
	switch kind {
	case asyncpool.KindSelect:
		out.Rows = v.([]dbclient.Row)
	case asyncpool.KindInsert:
		id := v.(int64)
		out.LastInsertID = &id
	case asyncpool.KindUpdate:
		n := v.(int64)
		out.RowsAffected = &n
	case asyncpool.KindRaw:
		res := v.(dbclient.Result)
		out.Columns = res.Columns()
		if err := res.EachRow(func(row dbclient.Row) error {
			out.Rows = append(out.Rows, row)
			return nil
		}); err != nil {
			return fmt.Errorf("reading result: %w", err)
		}
		n := res.RowsAffected()
		out.RowsAffected = &n
	}
	return writeYAML(w, out)
}
