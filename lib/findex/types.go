// Package findex holds the value types of the encrypted index and their wire
// forms. Everything here is opaque to storage: uids are compared byte-wise and
// values are never interpreted.
package findex

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/samber/mo"
)

const UidLength = 32

// Uid is the primary key of both tables.
type Uid [UidLength]byte

func UidFromBytes(b []byte) (Uid, error) {
	var u Uid
	if len(b) != UidLength {
		return u, fmt.Errorf("uid must be %d bytes, got %d", UidLength, len(b))
	}
	copy(u[:], b)
	return u, nil
}

func (u Uid) String() string {
	return hex.EncodeToString(u[:])
}

func UidLess(a, b Uid) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// EntryValue is the encrypted head record of a keyword.
type EntryValue []byte

// ChainValue is one encrypted chain segment.
type ChainValue []byte

type Keyword []byte

// Location is the terminal payload of a search, e.g. a database row id.
type Location []byte

// EntryValuePair is the payload of a conditional upsert: install New only if
// the stored value still equals Previous. An empty Previous stands for an
// absent key.
type EntryValuePair struct {
	Previous EntryValue
	New      EntryValue
}

// Table selects the entry or the chain table.
type Table uint8

const (
	Entry Table = 0
	Chain Table = 1
)

func (t Table) Valid() bool {
	return t == Entry || t == Chain
}

func (t Table) String() string {
	switch t {
	case Entry:
		return "entry"
	case Chain:
		return "chain"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

const (
	locationTag    byte = 'l'
	nextKeywordTag byte = 'w'
)

// IndexedValue is what a chain segment decrypts to: either a Location or a
// NextKeyword that sends the search on to another keyword.
type IndexedValue struct {
	tag  byte
	data []byte
}

func NewLocation(l Location) IndexedValue {
	return IndexedValue{tag: locationTag, data: l}
}

func NewNextKeyword(k Keyword) IndexedValue {
	return IndexedValue{tag: nextKeywordTag, data: k}
}

func (v IndexedValue) IsLocation() bool {
	return v.tag == locationTag
}

func (v IndexedValue) IsNextKeyword() bool {
	return v.tag == nextKeywordTag
}

func (v IndexedValue) Location() mo.Option[Location] {
	if !v.IsLocation() {
		return mo.None[Location]()
	}
	return mo.Some(Location(v.data))
}

func (v IndexedValue) NextKeyword() mo.Option[Keyword] {
	if !v.IsNextKeyword() {
		return mo.None[Keyword]()
	}
	return mo.Some(Keyword(v.data))
}

// Bytes returns the tag byte followed by the payload.
func (v IndexedValue) Bytes() []byte {
	ret := make([]byte, 1+len(v.data))
	ret[0] = v.tag
	copy(ret[1:], v.data)
	return ret
}

// Key is a comparable form of the value, for use in sets.
func (v IndexedValue) Key() string {
	return string(v.Bytes())
}

func ParseIndexedValue(b []byte) (IndexedValue, error) {
	if len(b) == 0 {
		return IndexedValue{}, fmt.Errorf("empty indexed value")
	}
	switch b[0] {
	case locationTag, nextKeywordTag:
		data := make([]byte, len(b)-1)
		copy(data, b[1:])
		return IndexedValue{tag: b[0], data: data}, nil
	default:
		return IndexedValue{}, fmt.Errorf("unknown indexed value tag 0x%02x", b[0])
	}
}

func (v IndexedValue) String() string {
	switch v.tag {
	case locationTag:
		return fmt.Sprintf("Location(%x)", v.data)
	case nextKeywordTag:
		return fmt.Sprintf("NextKeyword(%q)", v.data)
	default:
		return "IndexedValue(invalid)"
	}
}
