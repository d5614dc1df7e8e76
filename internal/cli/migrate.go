package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/asqlite/asqlite"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
}

// MigrateResult reports the schema versions before and after a migrate run.
type MigrateResult struct {
	From    int `json:"from"`
	To      int `json:"to"`
	Applied int `json:"applied"`
}

func (r MigrateResult) String() string {
	if r.Applied == 0 {
		return fmt.Sprintf("schema is up to date at v%d", r.To)
	}
	return fmt.Sprintf("migrated from v%d to v%d (%d applied)", r.From, r.To, r.Applied)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate <migrations-dir>",
		Short: "Apply pending schema migrations",
		Long: `Apply pending schema migrations from a directory of .sql files.

Files are applied in lexical order; the Nth file moves the schema to version N.
The current version is tracked in PRAGMA user_version. All pending files run
in one transaction.

Example:
  asqlite migrate --db ./app.db ./migrations`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (or :memory:)")

	return cmd
}

func runMigrate(opts *MigrateOptions, dir string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	out := newFormatter(opts.RootOptions, cmd)

	migrations, err := loadMigrations(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load migrations", err)
	}
	out.VerboseLog("loaded %d migrations from %s", len(migrations), dir)

	conn, err := openDatabase(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(context.WithoutCancel(ctx), conn)

	res, err := asqlite.Migrate(ctx, conn, migrations)
	if err != nil {
		_ = out.ErrorFrom(err)
		return WrapExitError(ExitCommandError, "migration failed", err)
	}

	return out.Success(MigrateResult{From: res.From, To: res.To, Applied: res.Applied()})
}

// loadMigrations reads every *.sql file in dir in lexical order.
func loadMigrations(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	// Glob results are sorted.
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}

	migrations := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		migrations = append(migrations, string(data))
	}
	return migrations, nil
}
