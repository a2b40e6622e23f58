// Package open builds a backend from command line or environment
// configuration.
package open

import (
	"fmt"
	"path/filepath"

	"findex/backend"
	"findex/backend/badger"
	"findex/backend/bolt"
	"findex/backend/cache"
	"findex/backend/mem"
	"findex/backend/pebble"
	"findex/backend/redis"
	"findex/backend/sql"

	"go.uber.org/zap"
)

type Args struct {
	Backend     string `arg:"--backend,env:FINDEX_BACKEND,help:storage backend: mem badger pebble bolt redis sql" default:"mem"`
	Dir         string `arg:"--dir,env:FINDEX_DIR,help:data directory of the badger pebble and bolt backends"`
	RedisAddr   string `arg:"--redis-addr,env:FINDEX_REDIS_ADDR,help:redis address" default:"localhost:6379"`
	RedisPrefix string `arg:"--redis-prefix,env:FINDEX_REDIS_PREFIX,help:prefix of the redis keys" default:"findex"`
	SQLDriver   string `arg:"--sql-driver,env:FINDEX_SQL_DRIVER,help:sqlite3 or mysql" default:"sqlite3"`
	SQLDsn      string `arg:"--sql-dsn,env:FINDEX_SQL_DSN,help:data source name of the sql backend"`
	// RecordsTable and RecordsColumn name the system of record consulted to
	// prune removed locations, sql backend only
	RecordsTable  string `arg:"--records-table,env:FINDEX_RECORDS_TABLE,help:table holding the indexed records"`
	RecordsColumn string `arg:"--records-column,env:FINDEX_RECORDS_COLUMN,help:column holding the record locations" default:"id"`
	CacheBytes    int64  `arg:"--cache-bytes,env:FINDEX_CACHE_BYTES,help:size of the chain cache in bytes (0 disables it)"`
	MemShards     int    `arg:"--mem-shards,env:FINDEX_MEM_SHARDS,help:number of shards of the mem backend" default:"64"`
}

// Open materializes the configured backend.
func Open(args Args) (backend.Backend, error) {
	b, err := open(args)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", args.Backend, err)
	}
	if args.CacheBytes > 0 {
		c, err := cache.New(b, args.CacheBytes)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b = c
	}
	zap.L().Info("opened backend", zap.String("backend", args.Backend), zap.Int64("cache_bytes", args.CacheBytes))
	return b, nil
}

func open(args Args) (backend.Backend, error) {
	switch args.Backend {
	case "mem":
		return mem.New(args.MemShards), nil
	case "badger":
		return badger.Open(args.Dir)
	case "pebble":
		return pebble.Open(args.Dir)
	case "bolt":
		if args.Dir == "" {
			return nil, fmt.Errorf("--dir is required")
		}
		return bolt.Open(filepath.Join(args.Dir, "findex.bolt"), false)
	case "redis":
		return redis.Open(redis.Options{Addr: args.RedisAddr, Prefix: args.RedisPrefix}), nil
	case "sql":
		if args.SQLDsn == "" {
			return nil, fmt.Errorf("--sql-dsn is required")
		}
		b, err := sql.Open(args.SQLDriver, args.SQLDsn)
		if err != nil {
			return nil, err
		}
		if args.RecordsTable == "" {
			return b, nil
		}
		return backend.WithRemovedLister(b, sql.Records{DB: b.DB(), Table: args.RecordsTable, Column: args.RecordsColumn}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", args.Backend)
	}
}
