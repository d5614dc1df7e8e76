package asqlite

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/mattn/go-sqlite3"
)

// The helpers below operate on the raw connection and are meant to be used
// inside Call closures, on the worker thread.

// Rows is a fully materialized query result.
type Rows struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"rows"`
}

// Exec runs one or more statements. Arguments are bound in order.
func Exec(conn *sqlite3.SQLiteConn, query string, args ...any) (driver.Result, error) {
	vals, err := driverValues(args)
	if err != nil {
		return nil, err
	}
	return conn.Exec(query, vals)
}

// QueryRows runs a query and reads every row into memory.
// TEXT columns come back as string and BLOB columns as []byte.
func QueryRows(conn *sqlite3.SQLiteConn, query string, args ...any) (*Rows, error) {
	vals, err := driverValues(args)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(query, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Rows{Columns: rows.Columns(), Values: [][]any{}}
	for {
		dest := make([]driver.Value, len(out.Columns))
		if err := rows.Next(dest); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		row := make([]any, len(dest))
		for i, v := range dest {
			row[i] = v
		}
		out.Values = append(out.Values, row)
	}
	return out, nil
}

// QueryValue returns the first column of the first row as T.
// Returns sql.ErrNoRows if the query produced no rows.
func QueryValue[T any](conn *sqlite3.SQLiteConn, query string, args ...any) (T, error) {
	var zero T

	rows, err := QueryRows(conn, query, args...)
	if err != nil {
		return zero, err
	}
	if len(rows.Values) == 0 || len(rows.Values[0]) == 0 {
		return zero, sql.ErrNoRows
	}

	raw := rows.Values[0][0]
	if raw == nil {
		return zero, nil
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("query value: column %q is %T, not %T", rows.Columns[0], raw, zero)
	}
	return v, nil
}

func driverValues(args []any) ([]driver.Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		v, err := driver.DefaultParameterConverter.ConvertValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return vals, nil
}
