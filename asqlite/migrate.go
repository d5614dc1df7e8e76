package asqlite

import (
	"context"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// MigrationResult reports the schema version before and after Migrate.
type MigrationResult struct {
	From int
	To   int
}

// Applied returns the number of migrations that ran.
func (r MigrationResult) Applied() int {
	return r.To - r.From
}

// Migrate brings the schema up to date. migrations[i] moves the schema from
// version i to version i+1; PRAGMA user_version records the current version.
//
// Pending migrations run in a single transaction together with the version
// bump, so a failure leaves the schema untouched. Migrate is idempotent.
func Migrate(ctx context.Context, c *Connection, migrations []string) (MigrationResult, error) {
	return Call(ctx, c, func(conn *sqlite3.SQLiteConn) (MigrationResult, error) {
		return migrate(conn, migrations)
	})
}

func migrate(conn *sqlite3.SQLiteConn, migrations []string) (res MigrationResult, err error) {
	version, err := QueryValue[int64](conn, "PRAGMA user_version")
	if err != nil {
		return res, &Error{Code: ErrCodeMigrate, Message: "get user_version", Err: err}
	}
	res = MigrationResult{From: int(version), To: int(version)}

	if res.From > len(migrations) {
		return res, &Error{
			Code:    ErrCodeMigrate,
			Message: fmt.Sprintf("database is at version %d but only %d migrations are known", res.From, len(migrations)),
		}
	}
	if res.From == len(migrations) {
		return res, nil
	}

	if _, err := Exec(conn, "BEGIN IMMEDIATE"); err != nil {
		return res, &Error{Code: ErrCodeMigrate, Message: "begin", Err: err}
	}
	defer func() {
		if err != nil {
			// Rollback error is secondary; report the original failure.
			_, _ = Exec(conn, "ROLLBACK")
		}
	}()

	for i := res.From; i < len(migrations); i++ {
		if _, err := Exec(conn, migrations[i]); err != nil {
			return res, &Error{Code: ErrCodeMigrate, Message: fmt.Sprintf("migrate to v%d", i+1), Err: err}
		}
	}

	if _, err := Exec(conn, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return res, &Error{Code: ErrCodeMigrate, Message: "set user_version", Err: err}
	}
	if _, err := Exec(conn, "COMMIT"); err != nil {
		return res, &Error{Code: ErrCodeMigrate, Message: "commit", Err: err}
	}

	res.To = len(migrations)
	return res, nil
}
