package sql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Schema maps consecutive versions, starting at 1, to the statement that
// migrates the database from the previous version.
type Schema map[uint32]string

func initSchemaVersion(db *sqlx.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS findex_schema_version (
		version INT NOT NULL
	)`)
	return err
}

// schemaVersion returns the version of the last statement applied, zero when
// none was.
func schemaVersion(q sqlx.Queryer) (uint32, error) {
	var v sql.NullInt32
	if err := q.QueryRowx("SELECT version FROM findex_schema_version").Scan(&v); err != nil {
		if err != sql.ErrNoRows {
			return 0, err
		}
	}
	if !v.Valid {
		return 0, nil
	}
	return uint32(v.Int32), nil
}

func setVersion(tx *sqlx.Tx, v uint32) error {
	var err error
	if v == 1 {
		_, err = tx.Exec("INSERT INTO findex_schema_version VALUES (?)", v)
	} else {
		_, err = tx.Exec("UPDATE findex_schema_version SET version = ?", v)
	}
	return err
}

func execSchema(db *sqlx.DB, v uint32, def string) error {
	tx, err := db.BeginTxx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	// no-op once committed
	defer func() { _ = tx.Rollback() }()

	cur, err := schemaVersion(tx)
	if err != nil {
		return err
	}
	if cur >= v {
		return nil
	}
	if v-cur > 1 {
		return fmt.Errorf("found schema version %d while applying version %d: was one skipped?", cur, v)
	}
	if _, err := tx.Exec(def); err != nil {
		return fmt.Errorf("failed to apply schema version %d: %w", v, err)
	}
	if err := setVersion(tx, v); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncSchema applies the versions of defs the database has not seen yet.
func SyncSchema(db *sqlx.DB, defs Schema) error {
	if err := initSchemaVersion(db); err != nil {
		return err
	}
	cur, err := schemaVersion(db)
	if err != nil {
		return err
	}
	versions := make([]uint32, 0, len(defs))
	for v := range defs {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for _, v := range versions {
		if v <= cur {
			continue
		}
		if err := execSchema(db, v, defs[v]); err != nil {
			return err
		}
		zap.L().Info("applied schema version", zap.Uint32("version", v))
	}
	return nil
}
