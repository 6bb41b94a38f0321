/*
Package cache stores transformed response artifacts keyed by a request
fingerprint.

The store is layered: a byte- and count-bounded in-memory LRU in front of
sticky disk files under cache_dir. Concurrent producers for the same key
are coalesced so the transform runs at most once per fingerprint across
the process.
*/
package cache

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Key is a 32-byte request fingerprint.
type Key [blake2b.Size256]byte

// Hex returns the lowercase hex form of the key, used as the on-disk
// file stem.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// NewKey fingerprints a cacheable unit: method, normalized URL, content
// kind, and the bitset of active transform flags. Identical inputs always
// produce identical keys, so a flag change invalidates naturally.
func NewKey(method, url, kind string, flags uint32) Key {
	h, _ := blake2b.New256(nil) // no key, cannot fail

	var sep = [1]byte{0}
	_, _ = h.Write([]byte(method))
	_, _ = h.Write(sep[:])
	_, _ = h.Write([]byte(url))
	_, _ = h.Write(sep[:])
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write(sep[:])

	var fb [4]byte
	binary.LittleEndian.PutUint32(fb[:], flags)
	_, _ = h.Write(fb[:])

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}
