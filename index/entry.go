package index

import (
	"errors"
	"fmt"

	"findex/compact"
	"findex/lib/findex"
	"findex/lib/serde"
)

// ErrDecrypt is returned for values that do not authenticate under the
// current key and uid.
var ErrDecrypt = errors.New("value does not decrypt")

// ErrLabelMismatch is returned for entries written under another label.
var ErrLabelMismatch = errors.New("entry belongs to another label")

// ErrRetired is returned to writers whose entry was moved to another
// generation by a compaction. The index must be reopened with the new key
// and label before writing again.
var ErrRetired = compact.ErrRetired

const (
	entryLive uint64 = iota
	entryRetired
)

// entry is the plaintext of an entry value. A retired entry keeps its hash
// and lists no chain.
type entry struct {
	retired bool
	hash    [32]byte
	chains  []findex.Uid
}

func putEntry(w *serde.Writer, e entry) {
	if e.retired {
		w.PutUvarint(entryRetired)
	} else {
		w.PutUvarint(entryLive)
	}
	w.PutFixed(e.hash[:])
	serde.PutSeq(w, e.chains, findex.PutUid)
}

func readEntry(r *serde.Reader) (entry, error) {
	var e entry
	kind, err := r.Uvarint()
	if err != nil {
		return e, err
	}
	switch kind {
	case entryLive:
	case entryRetired:
		e.retired = true
	default:
		return e, fmt.Errorf("%w: unknown entry kind %d", serde.ErrCodec, kind)
	}
	if err := r.Fixed(e.hash[:]); err != nil {
		return e, err
	}
	chains, err := serde.ReadSeq(r, findex.ReadUid)
	e.chains = chains
	return e, err
}

func (k *keys) sealEntry(e entry) (findex.Uid, []byte, error) {
	uid := k.entryUid(e.hash)
	v, err := k.seal(uid, serde.Marshal(e, putEntry))
	return uid, v, err
}

func (k *keys) openEntry(uid findex.Uid, value []byte) (entry, error) {
	pt, err := k.open(uid, value)
	if err != nil {
		return entry{}, err
	}
	return serde.Unmarshal(pt, readEntry)
}

// sealChains packs values into segments of at most size values, each under a
// fresh random uid. The order of uids follows the order of values.
func (k *keys) sealChains(values []findex.IndexedValue, size int) ([]findex.Uid, map[findex.Uid][]byte, error) {
	var uids []findex.Uid
	sealed := make(map[findex.Uid][]byte)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		uid, err := randomUid()
		if err != nil {
			return nil, nil, err
		}
		v, err := k.seal(uid, findex.MarshalIndexedValues(values[start:end]))
		if err != nil {
			return nil, nil, err
		}
		uids = append(uids, uid)
		sealed[uid] = v
	}
	return uids, sealed, nil
}

func (k *keys) openChain(uid findex.Uid, value []byte) ([]findex.IndexedValue, error) {
	pt, err := k.open(uid, value)
	if err != nil {
		return nil, err
	}
	return findex.UnmarshalIndexedValues(pt)
}
