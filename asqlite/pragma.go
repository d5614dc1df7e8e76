package asqlite

import (
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// pragma is a PRAGMA statement applied right after the connection opens.
type pragma struct {
	name  string
	value string
}

func (p pragma) String() string {
	return fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)
}

// applyPragmas sets the configured SQLite options in order.
// Runs on the worker thread before the connection is handed out.
func applyPragmas(conn *sqlite3.SQLiteConn, pragmas []pragma) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.String(), nil); err != nil {
			return &Error{
				Code:    ErrCodePragma,
				Message: fmt.Sprintf("failed to execute %q", p),
				Err:     err,
			}
		}
	}
	return nil
}

// PragmaValue reads the current value of a pragma, formatted as text.
// Call it from inside a Call closure.
func PragmaValue(conn *sqlite3.SQLiteConn, name string) (string, error) {
	v, err := QueryValue[any](conn, "PRAGMA "+name)
	if err != nil {
		return "", fmt.Errorf("query pragma %s: %w", name, err)
	}
	return fmt.Sprint(v), nil
}
