package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxUvarintLen is the longest LEB128 encoding of a uint64.
const MaxUvarintLen = binary.MaxVarintLen64

var (
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrTruncated      = errors.New("unexpected end of input")
	ErrInvalidUvarint = errors.New("invalid uvarint")
)

// UvarintLen returns the number of bytes PutUvarint writes for n.
func UvarintLen(n uint64) int {
	sz := 1
	for n >= 0x80 {
		n >>= 7
		sz++
	}
	return sz
}

func PutUvarint(b []byte, n uint64) (int, error) {
	lenbuf := [MaxUvarintLen]byte{}
	sz := binary.PutUvarint(lenbuf[:], n)
	if len(b) < sz {
		return 0, ErrBufferTooSmall
	}
	copy(b, lenbuf[:sz])
	return sz, nil
}

// AppendUvarint appends the LEB128 encoding of n to b.
func AppendUvarint(b []byte, n uint64) []byte {
	lenbuf := [MaxUvarintLen]byte{}
	sz := binary.PutUvarint(lenbuf[:], n)
	return append(b, lenbuf[:sz]...)
}

// ReadUvarint decodes a LEB128 integer from the start of b. It distinguishes
// input that ends mid-integer from integers that overflow 64 bits.
func ReadUvarint(b []byte) (uint64, int, error) {
	n, sz := binary.Uvarint(b)
	switch {
	case sz == 0:
		return 0, 0, ErrTruncated
	case sz < 0:
		return 0, 0, fmt.Errorf("%w: overflows 64 bits", ErrInvalidUvarint)
	}
	return n, sz, nil
}

func PutBytes(b []byte, in []byte) (int, error) {
	need := UvarintLen(uint64(len(in))) + len(in)
	if len(b) < need {
		return 0, ErrBufferTooSmall
	}
	n, _ := PutUvarint(b, uint64(len(in)))
	copy(b[n:], in)
	return need, nil
}

// ReadBytes doesn't allocate the underlying data, but only creates the slice header
func ReadBytes(b []byte) ([]byte, int, error) {
	len_, n, err := ReadUvarint(b)
	if err != nil {
		return nil, 0, err
	}
	if len_ > uint64(len(b)-n) {
		return nil, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, len_, len(b)-n)
	}
	end := n + int(len_)
	return b[n:end:end], end, nil
}

func PutString(b []byte, s string) (int, error) {
	return PutBytes(b, []byte(s))
}

func ReadString(b []byte) (string, int, error) {
	bytes, n, err := ReadBytes(b)
	if err != nil {
		return "", 0, err
	}
	return string(bytes), n, nil
}
