// Package key derives the per-track symmetric key used to decrypt audio
// streams.
package key

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
)

const Size = 16

// secret is shared with the producer of the encrypted streams, a different
// value makes every decryption silently produce garbage.
var secret = [Size]byte{'g', '4', 'e', 'l', '5', '8', 'w', 'c', '0', 'z', 'v', 'f', '9', 'n', 'a', '1'}

var ErrInvalidKeyLength = errors.New("invalid key length")

// Key is the 16 bytes derived from a track identifier. The bytes are not
// guaranteed to be printable.
type Key [Size]byte

// Derive computes the key for the given identifier. The identifier bytes are
// hashed with MD5, the lowercase hex digest is folded in half and XOR-ed with
// the shared secret.
func Derive(id string) (k Key) {
	sum := md5.Sum([]byte(id))

	var h [2 * md5.Size]byte
	hex.Encode(h[:], sum[:])

	for i := 0; i < Size; i++ {
		k[i] = h[i] ^ h[i+Size] ^ secret[i]
	}

	return k
}

// FromBytes copies raw key material into a Key, it must be exactly Size bytes.
func FromBytes(b []byte) (k Key, err error) {
	if len(b) != Size {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyLength, Size, len(b))
	}

	copy(k[:], b)
	return k, nil
}

// FromHex parses the hex representation returned by Key.String.
func FromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key encoding: %w", err)
	}

	return FromBytes(b)
}

func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}
