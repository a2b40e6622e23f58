package index

import (
	"fmt"

	"findex/compact"
	"findex/lib/findex"
	"findex/lib/serde"
)

// Keyring opens records sealed with the current keys of an index and seals
// them again under a new key and label.
type Keyring struct {
	prev, next  *keys
	segmentSize int
}

var _ compact.Keyring = (*Keyring)(nil)

func (x *Index) Keyring(newKey Key, newLabel []byte) (*Keyring, error) {
	next, err := derive(newKey, newLabel)
	if err != nil {
		return nil, err
	}
	return &Keyring{prev: x.current(), next: next, segmentSize: x.opts.SegmentSize}, nil
}

// OpenEntry only accepts entries stored under the uid the current label
// gives their keyword. Entries of other labels decrypt too when the key is
// shared, and resealing them would overwrite the live entry of the keyword.
func (kr *Keyring) OpenEntry(uid findex.Uid, value []byte) (compact.Head, error) {
	e, err := kr.prev.openEntry(uid, value)
	if err != nil {
		return compact.Head{}, err
	}
	if e.retired {
		return compact.Head{}, fmt.Errorf("%w: entry %s", ErrRetired, uid)
	}
	if kr.prev.entryUid(e.hash) != uid {
		return compact.Head{}, fmt.Errorf("%w: entry %s", ErrLabelMismatch, uid)
	}
	return compact.Head{Token: e.hash[:], Chains: e.chains}, nil
}

func (kr *Keyring) OpenChain(uid findex.Uid, value []byte) ([]findex.IndexedValue, error) {
	return kr.prev.openChain(uid, value)
}

func (kr *Keyring) Seal(head compact.Head, values []findex.IndexedValue) (compact.Generation, error) {
	var e entry
	if len(head.Token) != len(e.hash) {
		return compact.Generation{}, fmt.Errorf("%w: token must be %d bytes, got %d", serde.ErrCodec, len(e.hash), len(head.Token))
	}
	copy(e.hash[:], head.Token)
	uids, chains, err := kr.next.sealChains(values, kr.segmentSize)
	if err != nil {
		return compact.Generation{}, err
	}
	e.chains = uids
	uid, sealed, err := kr.next.sealEntry(e)
	if err != nil {
		return compact.Generation{}, err
	}
	return compact.Generation{Uid: uid, Entry: sealed, Chains: chains}, nil
}

// Retire seals the tombstone left at uid once its keyword moved to the next
// generation. Writers of the current keys get ErrRetired from it.
func (kr *Keyring) Retire(uid findex.Uid, head compact.Head) ([]byte, error) {
	e := entry{retired: true}
	if len(head.Token) != len(e.hash) {
		return nil, fmt.Errorf("%w: token must be %d bytes, got %d", serde.ErrCodec, len(e.hash), len(head.Token))
	}
	copy(e.hash[:], head.Token)
	at, sealed, err := kr.prev.sealEntry(e)
	if err != nil {
		return nil, err
	}
	if at != uid {
		return nil, fmt.Errorf("%w: entry %s", ErrLabelMismatch, uid)
	}
	return sealed, nil
}
