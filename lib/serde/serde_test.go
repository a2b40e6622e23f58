package serde

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byteLess(a, b string) bool { return a < b }

func putString(w *Writer, s string) { w.PutBytes([]byte(s)) }

func readString(r *Reader) (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

func TestSeq_RoundTrip(t *testing.T) {
	scenarios := [][][]byte{
		{},
		{{}},
		{[]byte("a"), []byte("bb"), {}, bytes.Repeat([]byte{0xff}, 300)},
	}
	for _, scene := range scenarios {
		buf := Marshal(scene, func(w *Writer, v [][]byte) { PutSeq(w, v, PutBytes) })
		found, err := Unmarshal(buf, func(r *Reader) ([][]byte, error) { return ReadSeq(r, ReadBytes) })
		require.NoError(t, err)
		assert.Equal(t, len(scene), len(found))
		for i := range scene {
			assert.Equal(t, scene[i], found[i])
		}
	}
}

func TestMap_RoundTripAndDeterminism(t *testing.T) {
	m := map[string]string{"france": "1", "paris": "22", "": "", "z": string(bytes.Repeat([]byte("x"), 200))}
	enc := func(w *Writer, v map[string]string) { PutMap(w, v, byteLess, putString, putString) }
	dec := func(r *Reader) (map[string]string, error) { return ReadMap(r, readString, readString) }

	buf := Marshal(m, enc)
	for i := 0; i < 10; i++ {
		// map iteration order is random, the encoding is not
		assert.Equal(t, buf, Marshal(m, enc))
	}
	found, err := Unmarshal(buf, dec)
	require.NoError(t, err)
	assert.Equal(t, m, found)
}

func TestMap_DuplicateKeysLastWriteWins(t *testing.T) {
	w := Writer{}
	w.PutUvarint(3)
	putString(&w, "k")
	putString(&w, "first")
	putString(&w, "other")
	putString(&w, "x")
	putString(&w, "k")
	putString(&w, "second")
	found, err := Unmarshal(w.Bytes(), func(r *Reader) (map[string]string, error) {
		return ReadMap(r, readString, readString)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "second", "other": "x"}, found)
}

func TestTuple_RoundTrip(t *testing.T) {
	w := Writer{}
	PutTuple(&w, []byte("previous"), []byte{}, PutBytes, PutBytes)
	r := NewReader(w.Bytes())
	a, b, err := ReadTuple(r, ReadBytes, ReadBytes)
	require.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.Equal(t, []byte("previous"), a)
	assert.Equal(t, []byte{}, b)
}

func TestDecode_TruncatedNeverSucceeds(t *testing.T) {
	m := map[string]string{"france": "location-1", "paris": "location-2"}
	buf := Marshal(m, func(w *Writer, v map[string]string) { PutMap(w, v, byteLess, putString, putString) })
	for i := 0; i < len(buf); i++ {
		_, err := Unmarshal(buf[:i], func(r *Reader) (map[string]string, error) {
			return ReadMap(r, readString, readString)
		})
		assert.ErrorIs(t, err, ErrCodec, "prefix of length %d decoded", i)
	}
}

func TestDecode_Malformed(t *testing.T) {
	decSeq := func(r *Reader) ([][]byte, error) { return ReadSeq(r, ReadBytes) }
	scenarios := []struct {
		name string
		buf  []byte
	}{
		{"empty", []byte{}},
		{"count beyond input", []byte{0x05, 0x00}},
		{"huge count", []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
		{"overflowing varint", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
		{"length beyond input", []byte{0x01, 0x09, 'a'}},
		{"trailing bytes", []byte{0x01, 0x01, 'a', 'b'}},
		{"unterminated varint", []byte{0x80}},
	}
	for _, scene := range scenarios {
		t.Run(scene.name, func(t *testing.T) {
			_, err := Unmarshal(scene.buf, decSeq)
			assert.ErrorIs(t, err, ErrCodec)
		})
	}
}

func TestDecode_RandomGarbage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dec := func(r *Reader) (map[string]string, error) { return ReadMap(r, readString, readString) }
	for i := 0; i < 1000; i++ {
		buf := make([]byte, rng.Intn(64))
		rng.Read(buf)
		// must return, with or without an error, and never panic
		assert.NotPanics(t, func() { _, _ = Unmarshal(buf, dec) })
	}
}

func TestReader_CopiesBytes(t *testing.T) {
	buf := Marshal([]byte("hello"), PutBytes)
	found, err := Unmarshal(buf, ReadBytes)
	require.NoError(t, err)
	buf[1] = 'j'
	assert.Equal(t, []byte("hello"), found)
}

func TestReader_Fixed(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	dest := make([]byte, 2)
	assert.NoError(t, r.Fixed(dest))
	assert.Equal(t, []byte{1, 2}, dest)
	assert.ErrorIs(t, r.Fixed(dest), ErrCodec)
	assert.Equal(t, 1, r.Remaining())
}

func TestWriter_BytesIsCapped(t *testing.T) {
	w := NewWriter(64)
	w.PutBytes([]byte("abc"))
	out := w.Bytes()
	assert.Equal(t, len(out), cap(out))
	_ = append(out, 'x')
	w.PutFixed([]byte("d"))
	assert.Equal(t, []byte("\x03abcd"), w.Bytes())

	// growing keeps what was written
	var z Writer
	for i := 0; i < 100; i++ {
		z.PutBytes([]byte{byte(i)})
	}
	assert.Equal(t, 200, z.Len())
	assert.Equal(t, byte(99), z.Bytes()[199])
}
