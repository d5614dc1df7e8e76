package asqlite

import (
	"net/url"
	"strings"
)

// OpenFlags control how the database is opened.
// They are translated into SQLite URI parameters.
type OpenFlags uint32

const (
	// OpenReadOnly opens the database read-only (mode=ro).
	OpenReadOnly OpenFlags = 1 << iota
	// OpenReadWrite opens the database for reading and writing (mode=rw).
	OpenReadWrite
	// OpenCreate creates the database if it does not exist (mode=rwc).
	// Requires OpenReadWrite.
	OpenCreate
	// OpenMemory opens a purely in-memory database (mode=memory).
	OpenMemory
	// OpenNoMutex disables SQLite's internal connection mutex (_mutex=no).
	OpenNoMutex
	// OpenFullMutex enables SQLite's serialized threading mode (_mutex=full).
	OpenFullMutex
	// OpenSharedCache enables shared-cache mode (cache=shared).
	OpenSharedCache
	// OpenPrivateCache disables shared-cache mode (cache=private).
	OpenPrivateCache
)

// DefaultOpenFlags is used by Open and OpenInMemory.
// The connection never leaves its worker thread, so SQLite's mutex is off.
const DefaultOpenFlags = OpenReadWrite | OpenCreate | OpenNoMutex

const memoryPath = ":memory:"

var flagNames = []struct {
	flag OpenFlags
	name string
}{
	{OpenReadOnly, "ReadOnly"},
	{OpenReadWrite, "ReadWrite"},
	{OpenCreate, "Create"},
	{OpenMemory, "Memory"},
	{OpenNoMutex, "NoMutex"},
	{OpenFullMutex, "FullMutex"},
	{OpenSharedCache, "SharedCache"},
	{OpenPrivateCache, "PrivateCache"},
}

// Has reports whether every bit of o is set in f.
func (f OpenFlags) Has(o OpenFlags) bool {
	return f&o == o
}

// String returns the set flags joined with "|", e.g. "ReadWrite|Create".
func (f OpenFlags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// ParseOpenFlags parses the format produced by String.
// Names are case-insensitive.
func ParseOpenFlags(s string) (OpenFlags, error) {
	var f OpenFlags
	if s == "" || s == "0" {
		return f, nil
	}
outer:
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		for _, fn := range flagNames {
			if strings.EqualFold(part, fn.name) {
				f |= fn.flag
				continue outer
			}
		}
		return 0, &Error{Code: ErrCodeInvalidFlags, Message: "unknown open flag " + part}
	}
	return f, nil
}

// validate rejects combinations SQLite would refuse or silently reinterpret.
func (f OpenFlags) validate() error {
	invalid := func(msg string) error {
		return &Error{Code: ErrCodeInvalidFlags, Message: msg + " (" + f.String() + ")"}
	}
	switch {
	case f.Has(OpenReadOnly | OpenReadWrite):
		return invalid("ReadOnly and ReadWrite are mutually exclusive")
	case !f.Has(OpenReadOnly) && !f.Has(OpenReadWrite):
		return invalid("one of ReadOnly or ReadWrite is required")
	case f.Has(OpenCreate) && !f.Has(OpenReadWrite):
		return invalid("Create requires ReadWrite")
	case f.Has(OpenNoMutex | OpenFullMutex):
		return invalid("NoMutex and FullMutex are mutually exclusive")
	case f.Has(OpenSharedCache | OpenPrivateCache):
		return invalid("SharedCache and PrivateCache are mutually exclusive")
	}
	return nil
}

var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// buildDSN renders a file: URI understood by both go-sqlite3 and SQLite.
func buildDSN(path string, flags OpenFlags, vfs string) (string, error) {
	if err := flags.validate(); err != nil {
		return "", err
	}

	q := url.Values{}
	switch {
	case flags.Has(OpenMemory):
		q.Set("mode", "memory")
	case flags.Has(OpenReadOnly):
		q.Set("mode", "ro")
	case flags.Has(OpenCreate):
		q.Set("mode", "rwc")
	default:
		q.Set("mode", "rw")
	}
	switch {
	case flags.Has(OpenSharedCache):
		q.Set("cache", "shared")
	case flags.Has(OpenPrivateCache):
		q.Set("cache", "private")
	}
	switch {
	case flags.Has(OpenNoMutex):
		q.Set("_mutex", "no")
	case flags.Has(OpenFullMutex):
		q.Set("_mutex", "full")
	}
	if vfs != "" {
		q.Set("vfs", vfs)
	}

	return "file:" + uriPathEscaper.Replace(path) + "?" + q.Encode(), nil
}
