package serde

import (
	"sort"

	"github.com/samber/lo"
)

type EncodeFunc[T any] func(w *Writer, v T)
type DecodeFunc[T any] func(r *Reader) (T, error)

func PutBytes(w *Writer, b []byte) {
	w.PutBytes(b)
}

func ReadBytes(r *Reader) ([]byte, error) {
	return r.Bytes()
}

// PutSeq writes a count followed by each item in order.
func PutSeq[T any](w *Writer, vs []T, enc EncodeFunc[T]) {
	w.PutUvarint(uint64(len(vs)))
	for _, v := range vs {
		enc(w, v)
	}
}

func ReadSeq[T any](r *Reader, dec DecodeFunc[T]) ([]T, error) {
	n, err := r.Count(1)
	if err != nil {
		return nil, err
	}
	ret := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, err := dec(r)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// PutMap writes a count followed by (key, value) pairs. Keys are emitted in
// the order given by less so the same map always encodes to the same bytes.
func PutMap[K comparable, V any](w *Writer, m map[K]V, less func(a, b K) bool, encK EncodeFunc[K], encV EncodeFunc[V]) {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	w.PutUvarint(uint64(len(keys)))
	for _, k := range keys {
		encK(w, k)
		encV(w, m[k])
	}
}

// ReadMap reads what PutMap writes. A key repeated within one buffer keeps
// the last value read for it.
func ReadMap[K comparable, V any](r *Reader, decK DecodeFunc[K], decV DecodeFunc[V]) (map[K]V, error) {
	n, err := r.Count(2)
	if err != nil {
		return nil, err
	}
	ret := make(map[K]V, n)
	for i := 0; i < n; i++ {
		k, err := decK(r)
		if err != nil {
			return nil, err
		}
		v, err := decV(r)
		if err != nil {
			return nil, err
		}
		ret[k] = v
	}
	return ret, nil
}

// PutTuple concatenates both halves with no wrapper; each half must be self
// delimiting.
func PutTuple[A, B any](w *Writer, a A, b B, encA EncodeFunc[A], encB EncodeFunc[B]) {
	encA(w, a)
	encB(w, b)
}

func ReadTuple[A, B any](r *Reader, decA DecodeFunc[A], decB DecodeFunc[B]) (A, B, error) {
	var b B
	a, err := decA(r)
	if err != nil {
		return a, b, err
	}
	b, err = decB(r)
	return a, b, err
}

// Marshal encodes a single value into a fresh buffer.
func Marshal[T any](v T, enc EncodeFunc[T]) []byte {
	w := Writer{}
	enc(&w, v)
	return w.Bytes()
}

// Unmarshal decodes a single value that must span the whole buffer.
func Unmarshal[T any](b []byte, dec DecodeFunc[T]) (T, error) {
	r := NewReader(b)
	v, err := dec(r)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := r.Close(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
