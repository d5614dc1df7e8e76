package cli

import (
	"context"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/roach88/asqlite/asqlite"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Database string
}

// ExecResult summarizes an exec run.
type ExecResult struct {
	Statements   int   `json:"statements"`
	RowsAffected int64 `json:"rows_affected"`
}

func (r ExecResult) String() string {
	return fmt.Sprintf("OK: %d statements, %d rows affected", r.Statements, r.RowsAffected)
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <sql>...",
		Short: "Execute SQL statements",
		Long: `Execute one or more SQL statements in order against a database.

Each argument is submitted as its own call to the connection worker.
Execution stops at the first failing statement.

Example:
  asqlite exec --db ./app.db "CREATE TABLE t (v INTEGER)" "INSERT INTO t VALUES (1)"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (or :memory:)")

	return cmd
}

func runExec(opts *ExecOptions, statements []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	out := newFormatter(opts.RootOptions, cmd)

	conn, err := openDatabase(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(context.WithoutCancel(ctx), conn)

	var res ExecResult
	for i, stmt := range statements {
		out.VerboseLog("exec [%d/%d]: %s", i+1, len(statements), stmt)
		affected, err := asqlite.Call(ctx, conn, func(c *sqlite3.SQLiteConn) (int64, error) {
			r, err := asqlite.Exec(c, stmt)
			if err != nil {
				return 0, err
			}
			return r.RowsAffected()
		})
		if err != nil {
			_ = out.ErrorFrom(err)
			return WrapExitError(ExitCommandError, fmt.Sprintf("statement %d failed", i+1), err)
		}
		res.Statements++
		res.RowsAffected += affected
	}

	return out.Success(res)
}

// commandContext returns the command's context, or Background when run
// without one (as in tests that call Execute directly).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
