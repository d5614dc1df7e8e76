package asqlite

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/asqlite/internal/worker"
)

// Builder configures a Connection before it is opened.
// The zero value is not usable; call NewBuilder.
type Builder struct {
	name          string
	queueCapacity int
	onClose       func(*sqlite3.SQLiteConn)
	pragmas       []pragma
	logger        *slog.Logger

	// closer performs the native close; replaced in tests.
	closer func(*sqlite3.SQLiteConn) error
}

// NewBuilder returns a Builder with default settings.
func NewBuilder() *Builder {
	return &Builder{closer: (*sqlite3.SQLiteConn).Close}
}

// Name sets the worker name used in logs and errors.
// Defaults to "asqlite-" followed by a UUIDv7.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// QueueCapacity sets how many calls may wait for the worker before callers
// block. Zero or negative means worker.DefaultQueueCapacity.
func (b *Builder) QueueCapacity(n int) *Builder {
	b.queueCapacity = n
	return b
}

// OnClose registers a callback invoked once when the worker shuts down, after
// the last handle is released. It receives the connection if it is still
// open, or nil if Close already succeeded. The connection is closed after the
// callback returns.
func (b *Builder) OnClose(fn func(*sqlite3.SQLiteConn)) *Builder {
	b.onClose = fn
	return b
}

// Pragma adds a "PRAGMA name = value" statement run on the worker thread right
// after the database opens. Pragmas run in the order they were added.
func (b *Builder) Pragma(name, value string) *Builder {
	b.pragmas = append(b.pragmas, pragma{name: name, value: value})
	return b
}

// Logger sets the logger for worker lifecycle events. Defaults to slog.Default().
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Open opens the database at path, creating it if it does not exist.
func (b *Builder) Open(ctx context.Context, path string) (*Connection, error) {
	return b.open(ctx, path, DefaultOpenFlags, "")
}

// OpenInMemory opens a new in-memory database.
func (b *Builder) OpenInMemory(ctx context.Context) (*Connection, error) {
	return b.open(ctx, memoryPath, DefaultOpenFlags, "")
}

// OpenWithFlags opens the database at path with explicit flags.
func (b *Builder) OpenWithFlags(ctx context.Context, path string, flags OpenFlags) (*Connection, error) {
	return b.open(ctx, path, flags, "")
}

// OpenWithFlagsAndVFS opens the database at path with explicit flags through
// the named VFS.
func (b *Builder) OpenWithFlagsAndVFS(ctx context.Context, path string, flags OpenFlags, vfs string) (*Connection, error) {
	return b.open(ctx, path, flags, vfs)
}

// OpenInMemoryWithFlags opens an in-memory database with explicit flags.
func (b *Builder) OpenInMemoryWithFlags(ctx context.Context, flags OpenFlags) (*Connection, error) {
	return b.open(ctx, memoryPath, flags, "")
}

// OpenInMemoryWithFlagsAndVFS opens an in-memory database with explicit flags
// through the named VFS.
func (b *Builder) OpenInMemoryWithFlagsAndVFS(ctx context.Context, flags OpenFlags, vfs string) (*Connection, error) {
	return b.open(ctx, memoryPath, flags, vfs)
}

// open is the single path every open variant funnels into.
func (b *Builder) open(ctx context.Context, path string, flags OpenFlags, vfs string) (*Connection, error) {
	dsn, err := buildDSN(path, flags, vfs)
	if err != nil {
		return nil, err
	}

	name := b.name
	if name == "" {
		name = "asqlite-" + uuid.Must(uuid.NewV7()).String()
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	closer := b.closer
	if closer == nil {
		closer = (*sqlite3.SQLiteConn).Close
	}
	onClose := b.onClose
	pragmas := append([]pragma(nil), b.pragmas...)

	cfg := worker.Config[*sqlite3.SQLiteConn]{
		Name:          name,
		QueueCapacity: b.queueCapacity,
		Logger:        logger,
		Finalizer: func(conn *sqlite3.SQLiteConn) {
			// Deferred so a panicking OnClose still closes the connection.
			if conn != nil {
				defer func() {
					if err := closer(conn); err != nil {
						logger.Error("failed to close connection on shutdown", "worker", name, "error", err)
					}
				}()
			}
			if onClose != nil {
				onClose(conn)
			}
		},
	}

	h, err := worker.New(ctx, func() (*sqlite3.SQLiteConn, error) {
		return connect(dsn, pragmas)
	}, cfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("connection opened", "worker", name, "path", path, "flags", flags.String(), "vfs", vfs)
	return &Connection{h: h, closer: closer}, nil
}

// connect runs on the worker thread.
func connect(dsn string, pragmas []pragma) (*sqlite3.SQLiteConn, error) {
	d := &sqlite3.SQLiteDriver{}
	c, err := d.Open(dsn)
	if err != nil {
		return nil, &Error{Code: ErrCodeOpen, Message: "failed to open database", Err: err}
	}
	conn := c.(*sqlite3.SQLiteConn)

	if err := applyPragmas(conn, pragmas); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Open opens the database at path with default settings.
func Open(ctx context.Context, path string) (*Connection, error) {
	return NewBuilder().Open(ctx, path)
}

// OpenInMemory opens a new in-memory database with default settings.
func OpenInMemory(ctx context.Context) (*Connection, error) {
	return NewBuilder().OpenInMemory(ctx)
}

// OpenWithFlags opens the database at path with explicit flags.
func OpenWithFlags(ctx context.Context, path string, flags OpenFlags) (*Connection, error) {
	return NewBuilder().OpenWithFlags(ctx, path, flags)
}

// OpenWithFlagsAndVFS opens the database at path with explicit flags through
// the named VFS.
func OpenWithFlagsAndVFS(ctx context.Context, path string, flags OpenFlags, vfs string) (*Connection, error) {
	return NewBuilder().OpenWithFlagsAndVFS(ctx, path, flags, vfs)
}

// OpenInMemoryWithFlags opens an in-memory database with explicit flags.
func OpenInMemoryWithFlags(ctx context.Context, flags OpenFlags) (*Connection, error) {
	return NewBuilder().OpenInMemoryWithFlags(ctx, flags)
}

// OpenInMemoryWithFlagsAndVFS opens an in-memory database with explicit flags
// through the named VFS.
func OpenInMemoryWithFlagsAndVFS(ctx context.Context, flags OpenFlags, vfs string) (*Connection, error) {
	return NewBuilder().OpenInMemoryWithFlagsAndVFS(ctx, flags, vfs)
}
