// Package asqlite gives goroutines serialized access to a single SQLite
// connection.
//
// A Connection owns one *sqlite3.SQLiteConn from github.com/mattn/go-sqlite3.
// The connection is opened, used, and closed on one dedicated goroutine that
// is locked to its OS thread. Callers submit closures with Call; closures run
// one at a time, in the order they were queued, and their results are handed
// back to the caller that submitted them.
//
// # Usage
//
//	conn, err := asqlite.OpenInMemory(ctx)
//	if err != nil { ... }
//	defer conn.Release()
//
//	_, err = asqlite.Call(ctx, conn, func(c *sqlite3.SQLiteConn) (driver.Result, error) {
//		return asqlite.Exec(c, "CREATE TABLE person (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
//	})
//
//	n, err := asqlite.Call(ctx, conn, func(c *sqlite3.SQLiteConn) (int64, error) {
//		return asqlite.QueryValue[int64](c, "SELECT count(*) FROM person")
//	})
//
// # Closing
//
// Close closes the SQLite connection but keeps the worker alive, so later calls
// fail fast with ErrAlreadyClosed instead of blocking. If SQLite refuses to
// close, the connection is put back and stays usable. Release drops a handle;
// once every clone is released the worker runs the OnClose callback, closes a
// still-open connection, and exits.
//
// # Errors
//
// CallAs lets callers keep their own error type: any type E with a method
// FromAlreadyClosed(AlreadyClosed) E can stand in for the closed condition.
package asqlite
