package cli

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/roach88/asqlite/asqlite"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Database string
	Inserts  int
	Clients  int
}

// BenchResult reports a bench run.
type BenchResult struct {
	RunID    string        `json:"run_id"`
	Table    string        `json:"table"`
	Clients  int           `json:"clients"`
	Inserted int           `json:"inserted"`
	Count    int64         `json:"count"`
	Elapsed  time.Duration `json:"elapsed_ns"`

	// PeakPending is the deepest queue any client saw after a call.
	PeakPending int `json:"peak_pending"`
}

func (r BenchResult) String() string {
	return fmt.Sprintf("run %s: %d inserts from %d clients in %s, count=%d, peak queue=%d",
		r.RunID, r.Inserted, r.Clients, r.Elapsed.Round(time.Millisecond), r.Count, r.PeakPending)
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Insert rows concurrently and verify the final count",
		Long: `Insert rows from several concurrent clients sharing one connection worker,
then verify that the final row count matches exactly.

Each client holds its own clone of the connection handle. Every insert is a
separate call, so the worker serializes all of them.

Example:
  asqlite bench --db :memory: --n 10000 --clients 8`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", ":memory:", "path to SQLite database (or :memory:)")
	cmd.Flags().IntVar(&opts.Inserts, "n", 10000, "number of rows to insert")
	cmd.Flags().IntVar(&opts.Clients, "clients", 8, "number of concurrent clients")

	return cmd
}

func runBench(opts *BenchOptions, cmd *cobra.Command) error {
	if opts.Inserts < 0 || opts.Clients < 1 {
		return NewExitError(ExitCommandError, "--n must be >= 0 and --clients >= 1")
	}

	ctx := commandContext(cmd)
	out := newFormatter(opts.RootOptions, cmd)

	conn, err := openDatabase(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(context.WithoutCancel(ctx), conn)

	runID := uuid.Must(uuid.NewV7()).String()
	table := "bench_" + strings.ReplaceAll(runID, "-", "")

	if err := benchExec(ctx, conn, fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, num INTEGER NOT NULL)", table)); err != nil {
		return WrapExitError(ExitCommandError, "failed to create bench table", err)
	}

	start := time.Now()
	peak, err := benchInsert(ctx, conn, table, opts.Inserts, opts.Clients)
	if err != nil {
		return WrapExitError(ExitCommandError, "insert failed", err)
	}
	elapsed := time.Since(start)

	count, err := asqlite.Call(ctx, conn, func(c *sqlite3.SQLiteConn) (int64, error) {
		return asqlite.QueryValue[int64](c, "SELECT count(num) FROM "+table)
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "count failed", err)
	}

	res := BenchResult{
		RunID:    runID,
		Table:    table,
		Clients:  opts.Clients,
		Inserted: opts.Inserts,
		Count:    count,
		Elapsed:  elapsed,

		PeakPending: peak,
	}
	if err := out.Success(res); err != nil {
		return err
	}
	if count != int64(opts.Inserts) {
		return NewExitError(ExitFailure, fmt.Sprintf("count mismatch: inserted %d, found %d", opts.Inserts, count))
	}
	return nil
}

func benchExec(ctx context.Context, conn *asqlite.Connection, stmt string) error {
	_, err := asqlite.Call(ctx, conn, func(c *sqlite3.SQLiteConn) (driver.Result, error) {
		return asqlite.Exec(c, stmt)
	})
	return err
}

// benchInsert spreads n inserts over clients goroutines, each with its own
// cloned handle. Returns the deepest queue observed and the first error any
// client hit.
func benchInsert(ctx context.Context, conn *asqlite.Connection, table string, n, clients int) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	insert := fmt.Sprintf("INSERT INTO %s (num) VALUES (?)", table)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		peak     atomic.Int64
	)
	for g := 0; g < clients; g++ {
		clone, err := conn.Clone()
		if err != nil {
			cancel()
			wg.Wait()
			return int(peak.Load()), err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer clone.Release()
			for i := g; i < n; i += clients {
				_, err := asqlite.Call(ctx, clone, func(c *sqlite3.SQLiteConn) (driver.Result, error) {
					return asqlite.Exec(c, insert, i)
				})
				if err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
				for p := int64(clone.Pending()); ; {
					cur := peak.Load()
					if p <= cur || peak.CompareAndSwap(cur, p) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	return int(peak.Load()), firstErr
}
