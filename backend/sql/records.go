package sql

import (
	"context"
	"fmt"

	"findex/backend"
	"findex/lib/findex"

	"github.com/jmoiron/sqlx"
)

// Records answers ListRemoved against a table of the system of record: a
// location is removed when no row has it in the key column.
type Records struct {
	DB     *sqlx.DB
	Table  string
	Column string
}

func (r Records) ListRemoved(ctx context.Context, locations []findex.Location) ([]findex.Location, error) {
	present := make(map[string]struct{}, len(locations))
	for start := 0; start < len(locations); start += BATCH_SIZE {
		end := start + BATCH_SIZE
		if end > len(locations) {
			end = len(locations)
		}
		args := make([][]byte, 0, end-start)
		for _, l := range locations[start:end] {
			args = append(args, l)
		}
		query, qargs, err := sqlx.In(fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (?)", r.Column, r.Table, r.Column), args)
		if err != nil {
			return nil, err
		}
		var found [][]byte
		if err := r.DB.SelectContext(ctx, &found, r.DB.Rebind(query), qargs...); err != nil {
			return nil, fmt.Errorf("failed to look up %s.%s: %w", r.Table, r.Column, err)
		}
		for _, f := range found {
			present[string(f)] = struct{}{}
		}
	}
	var removed []findex.Location
	for _, l := range locations {
		if _, ok := present[string(l)]; !ok {
			removed = append(removed, l)
		}
	}
	return removed, nil
}

var _ backend.RemovedLister = Records{}
