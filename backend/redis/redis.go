// Package redis keeps both tables in a redis keyspace under a common prefix.
// Conditional upserts run as a single Lua script, which redis executes
// atomically.
package redis

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "findex"
	// redis arguments are sent in one request, keep them bounded
	BATCH_SIZE = 512
	SCAN_COUNT = 1000
)

// casScript compares every KEYS[i] with ARGV[2i-1] and, only when all of
// them have been examined, writes ARGV[2i] to the keys that matched. A
// missing key compares equal to the empty string. It returns the flat list
// index, stored value of the keys that did not match.
var casScript = redis.NewScript(`
local conflicts = {}
local ok = {}
for i = 1, #KEYS do
	local cur = redis.call('GET', KEYS[i])
	if cur == false then
		cur = ''
	end
	if cur == ARGV[2 * i - 1] then
		ok[#ok + 1] = i
	else
		conflicts[#conflicts + 1] = tostring(i)
		conflicts[#conflicts + 1] = cur
	end
end
for _, i in ipairs(ok) do
	redis.call('SET', KEYS[i], ARGV[2 * i])
end
return conflicts
`)

type Options struct {
	Addr   string
	Prefix string
}

type Backend struct {
	client *redis.Client
	prefix string
}

func Open(opts Options) *Backend {
	return New(redis.NewClient(&redis.Options{Addr: opts.Addr}), opts.Prefix)
}

// New wraps an existing client. The backend owns the client and closes it.
func New(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func tableTag(table findex.Table) string {
	if table == findex.Entry {
		return "e"
	}
	return "c"
}

func (r *Backend) key(table findex.Table, uid findex.Uid) string {
	return r.prefix + ":" + tableTag(table) + ":" + hex.EncodeToString(uid[:])
}

func (r *Backend) keys(table findex.Table, uids []findex.Uid) []string {
	ret := make([]string, len(uids))
	for i, u := range uids {
		ret[i] = r.key(table, u)
	}
	return ret
}

func (r *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.redis.fetch")
	defer t.Stop()
	backend.Observe("redis", backend.OpFetch, table, len(uids))
	ret := make(map[findex.Uid][]byte, len(uids))
	for _, batch := range backend.Batches(backend.Dedupe(uids), BATCH_SIZE) {
		vals, err := r.client.MGet(ctx, r.keys(table, batch)...).Result()
		if err != nil {
			return nil, backend.Wrap(backend.OpFetch, table, uids, err)
		}
		for i, v := range vals {
			// missing keys come back as nil
			if s, ok := v.(string); ok {
				ret[batch[i]] = []byte(s)
			}
		}
	}
	return ret, nil
}

func (r *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	t := timer.Start("backend.redis.insert")
	defer t.Stop()
	backend.Observe("redis", backend.OpInsert, table, len(values))
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2*len(values))
	for u, v := range values {
		args = append(args, r.key(table, u), v)
	}
	err := r.client.MSet(ctx, args...).Err()
	return backend.Wrap(backend.OpInsert, table, backend.UidsOf(values), err)
}

func (r *Backend) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.redis.conditional_upsert")
	defer t.Stop()
	backend.Observe("redis", backend.OpConditionalUpsert, findex.Entry, len(pairs))
	conflicts := make(map[findex.Uid][]byte)
	if len(pairs) == 0 {
		return conflicts, nil
	}
	uids := backend.UidsOf(pairs)
	args := make([]interface{}, 0, 2*len(uids))
	for _, u := range uids {
		args = append(args, []byte(pairs[u].Previous), []byte(pairs[u].New))
	}
	res, err := casScript.Run(ctx, r.client, r.keys(findex.Entry, uids), args...).Slice()
	if err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
	}
	if len(res)%2 != 0 {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids,
			fmt.Errorf("unexpected script reply of length %d", len(res)))
	}
	for i := 0; i < len(res); i += 2 {
		idx, err := strconv.Atoi(fmt.Sprint(res[i]))
		if err != nil || idx < 1 || idx > len(uids) {
			return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids,
				fmt.Errorf("unexpected key index %v in script reply", res[i]))
		}
		stored, _ := res[i+1].(string)
		conflicts[uids[idx-1]] = []byte(stored)
	}
	backend.ObserveConflicts("redis", len(conflicts))
	return conflicts, nil
}

func (r *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	t := timer.Start("backend.redis.delete")
	defer t.Stop()
	backend.Observe("redis", backend.OpDelete, table, len(uids))
	if len(uids) == 0 {
		return nil
	}
	err := r.client.Del(ctx, r.keys(table, uids)...).Err()
	return backend.Wrap(backend.OpDelete, table, uids, err)
}

func (r *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	t := timer.Start("backend.redis.list_entries")
	defer t.Stop()
	prefix := r.prefix + ":" + tableTag(findex.Entry) + ":"
	var ret []findex.Uid
	seen := make(map[findex.Uid]struct{})
	iter := r.client.Scan(ctx, 0, prefix+"*", SCAN_COUNT).Iterator()
	for iter.Next(ctx) {
		raw, err := hex.DecodeString(strings.TrimPrefix(iter.Val(), prefix))
		if err != nil {
			zap.L().Warn("skipping malformed key", zap.String("key", iter.Val()))
			continue
		}
		u, err := findex.UidFromBytes(raw)
		if err != nil {
			zap.L().Warn("skipping malformed key", zap.String("key", iter.Val()))
			continue
		}
		// SCAN may return a key more than once
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			ret = append(ret, u)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	return ret, nil
}

func (r *Backend) Close() error {
	return r.client.Close()
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
