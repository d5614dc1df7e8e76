package asqlite

import (
	"context"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/asqlite/internal/worker"
)

// Connection is a handle to one SQLite connection owned by a worker goroutine.
//
// Connections are safe for concurrent use. Clone returns another handle to the
// same worker; every handle should eventually be released.
type Connection struct {
	h      *worker.Handle[*sqlite3.SQLiteConn]
	closer func(*sqlite3.SQLiteConn) error
}

// Call runs fn against the connection on the worker thread and returns its
// result. Calls run one at a time, in the order they were queued.
//
// If the connection has been closed, fn is not run and Call returns
// ErrAlreadyClosed. If ctx ends first, Call returns ctx.Err(); see
// worker.Call for what happens to the submitted closure.
func Call[R any](ctx context.Context, c *Connection, fn func(*sqlite3.SQLiteConn) (R, error)) (R, error) {
	return CallAs[AlreadyClosed](ctx, c, fn)
}

// CallAs is Call for callers with their own error type. When the connection
// is closed, fn is not run and the returned error is the zero E's
// FromAlreadyClosed result. Errors returned by fn are passed through as is.
//
//	n, err := asqlite.CallAs[*MyErr](ctx, conn, fn)
func CallAs[E ClosedConverter[E], R any](ctx context.Context, c *Connection, fn func(*sqlite3.SQLiteConn) (R, error)) (R, error) {
	return worker.Call(ctx, c.h, func(slot **sqlite3.SQLiteConn) (R, error) {
		conn := *slot
		if conn == nil {
			var zero R
			var marker E
			return zero, marker.FromAlreadyClosed(AlreadyClosed{})
		}
		return fn(conn)
	})
}

// Close closes the SQLite connection.
//
// A second Close returns an ErrCodeAlreadyClosed error. If SQLite fails to
// close, the connection is restored and an ErrCodeClose error wrapping the
// SQLite error is returned; the connection remains usable.
//
// Close does not stop the worker. Release every handle for that.
func (c *Connection) Close(ctx context.Context) error {
	closer := c.closer
	_, err := worker.Call(ctx, c.h, func(slot **sqlite3.SQLiteConn) (struct{}, error) {
		conn := *slot
		if conn == nil {
			return struct{}{}, (*Error)(nil).FromAlreadyClosed(AlreadyClosed{})
		}
		*slot = nil
		if err := closer(conn); err != nil {
			*slot = conn
			return struct{}{}, &Error{Code: ErrCodeClose, Message: "failed to close connection", Err: err}
		}
		return struct{}{}, nil
	})
	return err
}

// Clone returns a new handle to the same connection.
func (c *Connection) Clone() (*Connection, error) {
	h, err := c.h.Clone()
	if err != nil {
		return nil, err
	}
	return &Connection{h: h, closer: c.closer}, nil
}

// Release drops this handle. After the last handle is released the worker
// runs the OnClose callback, closes the connection if still open, and exits.
// Idempotent.
func (c *Connection) Release() {
	c.h.Release()
}

// Done returns a channel closed once the worker has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.h.Done()
}

// Pending returns how many calls are queued behind the one running now.
// It is a sample for metrics; the value may change immediately.
func (c *Connection) Pending() int {
	return c.h.Pending()
}

// Name returns the worker name.
func (c *Connection) Name() string {
	return c.h.Name()
}
