package findex

import (
	"fmt"
	"sort"

	"findex/lib/serde"
	"findex/lib/utils/binary"
)

func PutUid(w *serde.Writer, u Uid) {
	w.PutFixed(u[:])
}

func ReadUid(r *serde.Reader) (Uid, error) {
	var u Uid
	err := r.Fixed(u[:])
	return u, err
}

func PutValue(w *serde.Writer, v []byte) {
	w.PutBytes(v)
}

func ReadValue(r *serde.Reader) ([]byte, error) {
	return r.Bytes()
}

func PutPair(w *serde.Writer, p EntryValuePair) {
	serde.PutTuple(w, []byte(p.Previous), []byte(p.New), PutValue, PutValue)
}

func ReadPair(r *serde.Reader) (EntryValuePair, error) {
	prev, next, err := serde.ReadTuple(r, ReadValue, ReadValue)
	return EntryValuePair{Previous: prev, New: next}, err
}

func PutIndexedValue(w *serde.Writer, v IndexedValue) {
	w.PutBytes(v.Bytes())
}

func ReadIndexedValue(r *serde.Reader) (IndexedValue, error) {
	off := r.Offset()
	b, err := r.Bytes()
	if err != nil {
		return IndexedValue{}, err
	}
	v, err := ParseIndexedValue(b)
	if err != nil {
		return IndexedValue{}, fmt.Errorf("%w at offset %d: %v", serde.ErrCodec, off, err)
	}
	return v, nil
}

func PutLocation(w *serde.Writer, l Location) {
	w.PutBytes(l)
}

func ReadLocation(r *serde.Reader) (Location, error) {
	b, err := r.Bytes()
	return b, err
}

// MarshalUids encodes a uid set, in byte order.
func MarshalUids(uids []Uid) []byte {
	sorted := make([]Uid, len(uids))
	copy(sorted, uids)
	sortUids(sorted)
	w := serde.NewWriter(1 + len(uids)*UidLength)
	serde.PutSeq(w, sorted, PutUid)
	return w.Bytes()
}

func UnmarshalUids(b []byte) ([]Uid, error) {
	return serde.Unmarshal(b, func(r *serde.Reader) ([]Uid, error) {
		n, err := r.Count(UidLength)
		if err != nil {
			return nil, err
		}
		ret := make([]Uid, n)
		for i := range ret {
			if ret[i], err = ReadUid(r); err != nil {
				return nil, err
			}
		}
		return ret, nil
	})
}

func MarshalValues(m map[Uid][]byte) []byte {
	w := serde.NewWriter(ValuesSize(m))
	serde.PutMap(w, m, UidLess, PutUid, PutValue)
	return w.Bytes()
}

// ValuesSize is the exact length of MarshalValues(m).
func ValuesSize(m map[Uid][]byte) int {
	sz := uvarintLen(len(m))
	for _, v := range m {
		sz += UidLength + uvarintLen(len(v)) + len(v)
	}
	return sz
}

func UnmarshalValues(b []byte) (map[Uid][]byte, error) {
	return serde.Unmarshal(b, func(r *serde.Reader) (map[Uid][]byte, error) {
		return serde.ReadMap(r, ReadUid, ReadValue)
	})
}

func MarshalPairs(m map[Uid]EntryValuePair) []byte {
	w := serde.Writer{}
	serde.PutMap(&w, m, UidLess, PutUid, PutPair)
	return w.Bytes()
}

func UnmarshalPairs(b []byte) (map[Uid]EntryValuePair, error) {
	return serde.Unmarshal(b, func(r *serde.Reader) (map[Uid]EntryValuePair, error) {
		return serde.ReadMap(r, ReadUid, ReadPair)
	})
}

// MarshalLocations keeps the given order.
func MarshalLocations(ls []Location) []byte {
	w := serde.Writer{}
	serde.PutSeq(&w, ls, PutLocation)
	return w.Bytes()
}

func UnmarshalLocations(b []byte) ([]Location, error) {
	return serde.Unmarshal(b, func(r *serde.Reader) ([]Location, error) {
		return serde.ReadSeq(r, ReadLocation)
	})
}

func MarshalIndexedValues(vs []IndexedValue) []byte {
	w := serde.Writer{}
	serde.PutSeq(&w, vs, PutIndexedValue)
	return w.Bytes()
}

func UnmarshalIndexedValues(b []byte) ([]IndexedValue, error) {
	return serde.Unmarshal(b, func(r *serde.Reader) ([]IndexedValue, error) {
		return serde.ReadSeq(r, ReadIndexedValue)
	})
}

func sortUids(uids []Uid) {
	sort.Slice(uids, func(i, j int) bool { return UidLess(uids[i], uids[j]) })
}

func uvarintLen(n int) int {
	return binary.UvarintLen(uint64(n))
}
