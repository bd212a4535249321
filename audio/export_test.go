//go:build test_unit

package audio

import (
	"bytes"
	"crypto/cipher"

	"github.com/devgianlu/go-dzdecrypt/key"
)

// EncryptBuffer applies the inverse transform of DecryptBuffer, it only
// exists to produce ciphertext for tests.
func EncryptBuffer(k key.Key, data []byte) []byte {
	block := newChunkCipher(k)
	out := bytes.Clone(data)

	for idx, off := 0, 0; off+ChunkSize <= len(out); idx, off = idx+1, off+ChunkSize {
		if isEncryptedChunk(idx, ChunkSize) {
			cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out[off:off+ChunkSize], out[off:off+ChunkSize])
		}
	}

	return out
}

// OutputLockPath exposes the lock file used by DecryptFile for outputPath.
func OutputLockPath(outputPath string) (string, error) {
	return outputLockPath(outputPath)
}
