package index

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"findex/lib/findex"
	"findex/lib/serde"
	"findex/lib/utils/binary"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeyLength = 32

// Key is the master secret of an index. Every other secret is derived from
// it.
type Key [KeyLength]byte

func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeyLength {
		return k, fmt.Errorf("key must be %d bytes, got %d", KeyLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding key: %w", err)
	}
	return KeyFromBytes(b)
}

var (
	uidDomain   = []byte("findex/uid")
	aeadDomain  = []byte("findex/aead")
	entryDomain = []byte("findex/entry")
)

// keys is what a (key, label) pair expands to.
type keys struct {
	uid   [32]byte
	aead  cipher.AEAD
	label []byte
}

func derive(k Key, label []byte) (*keys, error) {
	ret := &keys{
		uid:   prf(k[:], uidDomain),
		label: append([]byte{}, label...),
	}
	aeadKey := prf(k[:], aeadDomain)
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return nil, err
	}
	ret.aead = aead
	return ret, nil
}

// prf is keyed blake2b over length prefixed parts.
func prf(key []byte, parts ...[]byte) [32]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// only for keys longer than 64 bytes
		panic(err)
	}
	var l []byte
	for _, p := range parts {
		l = binary.AppendUvarint(l[:0], uint64(len(p)))
		h.Write(l)
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func keywordHash(kw findex.Keyword) [32]byte {
	return blake2b.Sum256(kw)
}

func (k *keys) entryUid(hash [32]byte) findex.Uid {
	return findex.Uid(prf(k.uid[:], entryDomain, hash[:], k.label))
}

func randomUid() (findex.Uid, error) {
	var u findex.Uid
	if _, err := rand.Read(u[:]); err != nil {
		return u, fmt.Errorf("generating uid: %w", err)
	}
	return u, nil
}

// seal returns nonce ‖ ciphertext, bound to uid.
func (k *keys) seal(uid findex.Uid, plaintext []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return k.aead.Seal(out, out[:ns], plaintext, uid[:]), nil
}

func (k *keys) open(uid findex.Uid, value []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	if len(value) < ns+k.aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed value too short (%d bytes)", serde.ErrCodec, len(value))
	}
	pt, err := k.aead.Open(nil, value[:ns], value[ns:], uid[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, uid, err)
	}
	return pt, nil
}
