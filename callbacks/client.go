package callbacks

import (
	"context"

	"findex/backend"
	"findex/lib/findex"
)

const (
	DefaultBufferSize = 4096
	// results may grow between a probe and its retry, e.g. when chains are
	// being written concurrently
	MAX_ATTEMPTS = 8
)

// Client is a backend.Backend that goes through an Adapter, the way an
// engine on the other side of the boundary would.
type Client struct {
	adapter    *Adapter
	bufferSize int
}

// NewClient starts every call with a buffer of bufferSize bytes, or
// DefaultBufferSize when bufferSize is not positive.
func NewClient(a *Adapter, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Client{adapter: a, bufferSize: bufferSize}
}

// call runs f with growing buffers until the result fits.
func (c *Client) call(f func(out []byte, outLen *int) Code) ([]byte, error) {
	size := c.bufferSize
	for attempt := 0; attempt < MAX_ATTEMPTS; attempt++ {
		out := make([]byte, size)
		n := 0
		switch code := f(out, &n); code {
		case OK:
			return out[:n], nil
		case BufferTooSmall:
			if n <= size {
				return nil, &CodeError{Code: BufferTooSmall, Message: "adapter asked for a buffer no larger than the one given"}
			}
			size = n
		default:
			return nil, &CodeError{Code: code, Message: c.lastError()}
		}
	}
	return nil, &BufferTooSmallError{Required: size}
}

func (c *Client) lastError() string {
	out := make([]byte, 256)
	n := 0
	code := c.adapter.LastError(out, &n)
	if code == BufferTooSmall {
		out = make([]byte, n)
		code = c.adapter.LastError(out, &n)
	}
	if code != OK {
		return ""
	}
	return string(out[:n])
}

func (c *Client) status(code Code) error {
	if code == OK {
		return nil
	}
	return &CodeError{Code: code, Message: c.lastError()}
}

func (c *Client) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	request := findex.MarshalUids(backend.Dedupe(uids))
	res, err := c.call(func(out []byte, outLen *int) Code {
		return c.adapter.Fetch(ctx, uint8(table), out, outLen, request)
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	found, err := findex.UnmarshalValues(res)
	if err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	return found, nil
}

func (c *Client) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	err := c.status(c.adapter.Insert(ctx, uint8(table), findex.MarshalValues(values)))
	return backend.Wrap(backend.OpInsert, table, backend.UidsOf(values), err)
}

func (c *Client) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	request := findex.MarshalPairs(pairs)
	res, err := c.call(func(out []byte, outLen *int) Code {
		return c.adapter.ConditionalUpsert(ctx, out, outLen, request)
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, backend.UidsOf(pairs), err)
	}
	conflicts, err := findex.UnmarshalValues(res)
	if err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, backend.UidsOf(pairs), err)
	}
	return conflicts, nil
}

func (c *Client) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	err := c.status(c.adapter.Delete(ctx, uint8(table), findex.MarshalUids(backend.Dedupe(uids))))
	return backend.Wrap(backend.OpDelete, table, uids, err)
}

// ListRemoved fails with backend.ErrUnsupported when the backend behind the
// adapter has no system of record.
func (c *Client) ListRemoved(ctx context.Context, locations []findex.Location) ([]findex.Location, error) {
	request := findex.MarshalLocations(locations)
	res, err := c.call(func(out []byte, outLen *int) Code {
		return c.adapter.ListRemoved(ctx, out, outLen, request)
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpListRemoved, findex.Chain, nil, err)
	}
	removed, err := findex.UnmarshalLocations(res)
	if err != nil {
		return nil, backend.Wrap(backend.OpListRemoved, findex.Chain, nil, err)
	}
	return removed, nil
}

func (c *Client) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	res, err := c.call(func(out []byte, outLen *int) Code {
		return c.adapter.FetchAllEntryUids(ctx, out, outLen)
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	uids, err := findex.UnmarshalUids(res)
	if err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	return uids, nil
}

func (c *Client) Close() error {
	return c.adapter.Close()
}

var _ backend.Backend = (*Client)(nil)
var _ backend.EntryLister = (*Client)(nil)
var _ backend.RemovedLister = (*Client)(nil)
