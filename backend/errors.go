package backend

import (
	"errors"
	"fmt"
	"strings"

	"findex/lib/findex"
)

// ErrUnsupported is returned when an optional capability is missing.
var ErrUnsupported = errors.New("operation not supported by backend")

// Error is the failure of one backend operation. The operation is never
// partially successful from the caller's point of view.
type Error struct {
	Op    string
	Table findex.Table
	Uids  []findex.Uid
	Err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "backend %s on %s table", e.Op, e.Table)
	switch {
	case len(e.Uids) == 1:
		fmt.Fprintf(&sb, " (uid %s)", e.Uids[0])
	case len(e.Uids) > 1:
		fmt.Fprintf(&sb, " (%d uids)", len(e.Uids))
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap turns err into an *Error unless it is nil or already one.
func Wrap(op string, table findex.Table, uids []findex.Uid, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Table: table, Uids: uids, Err: err}
}

const (
	OpFetch             = "fetch"
	OpInsert            = "insert"
	OpConditionalUpsert = "conditional_upsert"
	OpDelete            = "delete"
	OpListEntries       = "list_entries"
	OpListRemoved       = "list_removed"
)
