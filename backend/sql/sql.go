// Package sql stores the two tables in a relational database through sqlx.
// Every write batch runs in one transaction.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// BATCH_SIZE bounds the rows of a statement; sqlite accepts at most 999
// bound parameters.
const BATCH_SIZE = 256

var tables = map[findex.Table]string{
	findex.Entry: "findex_entry",
	findex.Chain: "findex_chain",
}

type row struct {
	Uid   []byte `db:"uid"`
	Value []byte `db:"value"`
}

type Backend struct {
	db      *sqlx.DB
	dialect Dialect

	closeCh chan struct{}
}

// Open connects with the given driver and brings the schema up to date.
func Open(driver, dsn string) (*Backend, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open DB: %w", err)
	}
	b, err := New(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func New(db *sqlx.DB, dialect Dialect) (*Backend, error) {
	if dialect.maxConns > 0 {
		db.SetMaxOpenConns(dialect.maxConns)
	}
	for _, p := range dialect.pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to run %q: %w", p, err)
		}
	}
	if err := SyncSchema(db, dialect.Schema); err != nil {
		return nil, fmt.Errorf("failed to sync schema: %w", err)
	}
	b := &Backend{db: db, dialect: dialect, closeCh: make(chan struct{})}
	go b.reportStats(time.Minute)
	return b, nil
}

// DB exposes the connection, e.g. to build a Records lister on the same
// database.
func (b *Backend) DB() *sqlx.DB {
	return b.db
}

func (b *Backend) reportStats(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-t.C:
			RecordConnectionStats(b.db)
		}
	}
}

func uidArgs(uids []findex.Uid) [][]byte {
	ret := make([][]byte, len(uids))
	for i := range uids {
		u := uids[i]
		ret[i] = u[:]
	}
	return ret
}

func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

func (b *Backend) selectValues(ctx context.Context, q sqlx.QueryerContext, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	ret := make(map[findex.Uid][]byte, len(uids))
	for _, batch := range backend.Batches(backend.Dedupe(uids), BATCH_SIZE) {
		query, args, err := sqlx.In(fmt.Sprintf("SELECT uid, value FROM %s WHERE uid IN (?)", tables[table]), uidArgs(batch))
		if err != nil {
			return nil, err
		}
		var rows []row
		if err := sqlx.SelectContext(ctx, q, &rows, b.db.Rebind(query), args...); err != nil {
			return nil, err
		}
		for _, r := range rows {
			u, err := findex.UidFromBytes(r.Uid)
			if err != nil {
				return nil, err
			}
			ret[u] = nonNil(r.Value)
		}
	}
	return ret, nil
}

func (b *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.sql.fetch")
	defer t.Stop()
	backend.Observe("sql", backend.OpFetch, table, len(uids))
	ret, err := b.selectValues(ctx, b.db, table, uids)
	if err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	return ret, nil
}

func (b *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	t := timer.Start("backend.sql.insert")
	defer t.Stop()
	backend.Observe("sql", backend.OpInsert, table, len(values))
	uids := backend.UidsOf(values)
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, batch := range backend.Batches(uids, BATCH_SIZE) {
			args := make([]interface{}, 0, 2*len(batch))
			for i := range batch {
				u := batch[i]
				args = append(args, u[:], nonNil(values[u]))
			}
			if _, err := tx.ExecContext(ctx, b.dialect.upsert(tables[table], len(batch)), args...); err != nil {
				return err
			}
		}
		return nil
	})
	return backend.Wrap(backend.OpInsert, table, uids, err)
}

// ConditionalUpsert guards each write with the expected value in the WHERE
// clause and reads back the uids whose statement touched no row.
func (b *Backend) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.sql.conditional_upsert")
	defer t.Stop()
	backend.Observe("sql", backend.OpConditionalUpsert, findex.Entry, len(pairs))
	uids := backend.UidsOf(pairs)
	table := tables[findex.Entry]
	var conflicts map[findex.Uid][]byte
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		conflicts = make(map[findex.Uid][]byte)
		var failed []findex.Uid
		for i := range uids {
			u := uids[i]
			p := pairs[u]
			written := false
			if len(p.Previous) == 0 {
				res, err := tx.ExecContext(ctx, b.dialect.insertIgnore(table), u[:], nonNil(p.New))
				if err != nil {
					return err
				}
				if written, err = affected(res); err != nil {
					return err
				}
			}
			if !written {
				res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET value = ? WHERE uid = ? AND value = ?", table),
					nonNil(p.New), u[:], nonNil(p.Previous))
				if err != nil {
					return err
				}
				if written, err = affected(res); err != nil {
					return err
				}
			}
			if !written {
				failed = append(failed, u)
			}
		}
		if len(failed) == 0 {
			return nil
		}
		stored, err := b.selectValues(ctx, tx, findex.Entry, failed)
		if err != nil {
			return err
		}
		for _, u := range failed {
			v, found := stored[u]
			// mysql reports no affected row when the value does not change
			if backend.Equal(v, found, pairs[u].Previous) && string(pairs[u].Previous) == string(pairs[u].New) {
				continue
			}
			conflicts[u] = nonNil(v)
		}
		return nil
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
	}
	backend.ObserveConflicts("sql", len(conflicts))
	return conflicts, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	t := timer.Start("backend.sql.delete")
	defer t.Stop()
	backend.Observe("sql", backend.OpDelete, table, len(uids))
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, batch := range backend.Batches(backend.Dedupe(uids), BATCH_SIZE) {
			query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE uid IN (?)", tables[table]), uidArgs(batch))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return err
			}
		}
		return nil
	})
	return backend.Wrap(backend.OpDelete, table, uids, err)
}

func (b *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	t := timer.Start("backend.sql.list_entries")
	defer t.Stop()
	var raw [][]byte
	if err := b.db.SelectContext(ctx, &raw, fmt.Sprintf("SELECT uid FROM %s", tables[findex.Entry])); err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	ret := make([]findex.Uid, 0, len(raw))
	for _, r := range raw {
		u, err := findex.UidFromBytes(r)
		if err != nil {
			return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
		}
		ret = append(ret, u)
	}
	return ret, nil
}

func (b *Backend) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			zap.L().Warn("failed to roll back transaction", zap.Error(rerr))
		}
		return err
	}
	return tx.Commit()
}

func (b *Backend) Close() error {
	close(b.closeCh)
	return b.db.Close()
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
