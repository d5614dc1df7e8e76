package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/roach88/asqlite/asqlite"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Database string
}

// QueryResult is the printable form of a query result.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// String renders a tab-separated table with a header line.
func (r QueryResult) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		b.WriteByte('\n')
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, "\t"))
	}
	return b.String()
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run a query and print the rows",
		Long: `Run a single query and print every row.

Extra arguments are bound to the query's ? placeholders as text.

Example:
  asqlite query --db ./app.db "SELECT id, name FROM person WHERE name = ?" Steven
  asqlite query --db ./app.db --format json "SELECT count(*) FROM person"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (or :memory:)")

	return cmd
}

func runQuery(opts *QueryOptions, query string, params []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	out := newFormatter(opts.RootOptions, cmd)

	conn, err := openDatabase(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(context.WithoutCancel(ctx), conn)

	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}

	rows, err := asqlite.Call(ctx, conn, func(c *sqlite3.SQLiteConn) (*asqlite.Rows, error) {
		return asqlite.QueryRows(c, query, args...)
	})
	if err != nil {
		_ = out.ErrorFrom(err)
		return WrapExitError(ExitCommandError, "query failed", err)
	}

	return out.Success(toQueryResult(rows))
}

// toQueryResult converts BLOBs to text so both output formats stay readable.
func toQueryResult(rows *asqlite.Rows) QueryResult {
	res := QueryResult{Columns: rows.Columns, Rows: make([][]any, len(rows.Values))}
	for i, row := range rows.Values {
		out := make([]any, len(row))
		for j, v := range row {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			out[j] = v
		}
		res.Rows[i] = out
	}
	return res
}
