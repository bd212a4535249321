package audio

import (
	"bufio"
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devgianlu/go-dzdecrypt/key"
	"github.com/gofrs/flock"
	"golang.org/x/crypto/blowfish"
)

// ChunkSize is the size of the windows the stream is split into, only full
// chunks can be encrypted.
const ChunkSize = 2048

// chunkInterval selects which chunks are encrypted: one every chunkInterval,
// starting from the first one.
const chunkInterval = 3

const (
	fileBufferSize = 32 * ChunkSize
	lockRetryDelay = 50 * time.Millisecond
	outputFileMode = 0o666
	maxTempRetries = 10000
)

// iv is reused as-is for every encrypted chunk, it is not chained across chunks.
var iv = [blowfish.BlockSize]byte{0, 1, 2, 3, 4, 5, 6, 7}

func newChunkCipher(k key.Key) cipher.Block {
	c, err := blowfish.NewCipher(k[:])
	if err != nil {
		panic(fmt.Sprintf("invalid blowfish key: %v", err))
	}

	return c
}

func isEncryptedChunk(idx, size int) bool {
	return size == ChunkSize && idx%chunkInterval == 0
}

// decryptChunk decrypts a full chunk from src into dst, they may overlap exactly.
func decryptChunk(block cipher.Block, dst, src []byte) {
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(dst, src)
}

// DecryptBuffer decrypts data into a newly allocated buffer of the same length.
// A wrong key is not detected, it produces meaningless output.
func DecryptBuffer(k key.Key, data []byte) []byte {
	block := newChunkCipher(k)
	out := make([]byte, len(data))

	for idx, off := 0, 0; off < len(data); idx, off = idx+1, off+ChunkSize {
		end := min(off+ChunkSize, len(data))
		if isEncryptedChunk(idx, end-off) {
			decryptChunk(block, out[off:end], data[off:end])
		} else {
			copy(out[off:end], data[off:end])
		}
	}

	return out
}

// DecryptBufferWithKey is like DecryptBuffer, but takes raw key material that
// must be exactly key.Size bytes long.
func DecryptBufferWithKey(rawKey, data []byte) ([]byte, error) {
	k, err := key.FromBytes(rawKey)
	if err != nil {
		return nil, err
	}

	return DecryptBuffer(k, data), nil
}

// Decrypt reads r until EOF and writes the decrypted stream to w, one chunk
// at a time. The context is checked between chunks. It returns the number of
// bytes written to w.
func Decrypt(ctx context.Context, k key.Key, w io.Writer, r io.Reader) (written int64, err error) {
	block := newChunkCipher(k)
	buf := make([]byte, ChunkSize)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			return written, nil
		} else if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return written, fmt.Errorf("failed reading chunk %d: %w", idx, err)
		}

		if isEncryptedChunk(idx, n) {
			decryptChunk(block, buf, buf)
		}

		nn, err := w.Write(buf[:n])
		written += int64(nn)
		if err != nil {
			return written, fmt.Errorf("failed writing chunk %d: %w", idx, err)
		} else if nn != n {
			return written, fmt.Errorf("failed writing chunk %d: %w", idx, io.ErrShortWrite)
		}

		// a short chunk is always the last one
		if n < ChunkSize {
			return written, nil
		}
	}
}

// DecryptFile decrypts inputPath into outputPath, replacing it if it exists.
// The output is written to a temporary file in the same directory and renamed
// once complete, so outputPath is never left partially written. Concurrent
// calls for the same outputPath are serialized with a lock file kept outside
// of the output directory.
//
// A new output file is created with mode 0666 before umask, a replaced one
// keeps its permissions.
func DecryptFile(ctx context.Context, k key.Key, inputPath, outputPath string) (err error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed opening input file: %w", err)
	}

	defer func() { _ = in.Close() }()

	lockPath, err := outputLockPath(outputPath)
	if err != nil {
		return err
	}

	lock := flock.New(lockPath)
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed locking output file: %w", err)
	}

	defer func() { _ = lock.Unlock() }()

	// the mode of the file being replaced, if any
	keepMode := fs.FileMode(0)
	replacing := false
	if stat, err := os.Stat(outputPath); err == nil && stat.Mode().IsRegular() {
		keepMode, replacing = stat.Mode().Perm(), true
	}

	tmp, err := createTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".", ".tmp")
	if err != nil {
		return fmt.Errorf("failed creating output file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, fileBufferSize)
	if _, err = Decrypt(ctx, k, bw, bufio.NewReaderSize(in, fileBufferSize)); err != nil {
		return err
	} else if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed flushing output file: %w", err)
	}

	if replacing {
		if err = tmp.Chmod(keepMode); err != nil {
			return fmt.Errorf("failed setting output file mode: %w", err)
		}
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed closing output file: %w", err)
	} else if err = os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("failed moving output file: %w", err)
	}

	return nil
}

// outputLockPath names the lock file of outputPath after its absolute path,
// so that every spelling of the same path shares one lock.
func outputLockPath(outputPath string) (string, error) {
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed resolving output path: %w", err)
	}

	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "go-dzdecrypt-"+hex.EncodeToString(sum[:12])+".lock"), nil
}

// createTemp is like os.CreateTemp, but creates the file with outputFileMode
// so that the umask applies as it would for a regular file.
func createTemp(dir, prefix, suffix string) (*os.File, error) {
	for i := 0; ; i++ {
		name := filepath.Join(dir, prefix+strconv.FormatUint(uint64(rand.Uint32()), 10)+suffix)
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, outputFileMode)
		if errors.Is(err, fs.ErrExist) && i < maxTempRetries {
			continue
		}

		return f, err
	}
}

// DecryptFileWithKey is like DecryptFile, but takes raw key material that
// must be exactly key.Size bytes long.
func DecryptFileWithKey(ctx context.Context, rawKey []byte, inputPath, outputPath string) error {
	k, err := key.FromBytes(rawKey)
	if err != nil {
		return err
	}

	return DecryptFile(ctx, k, inputPath, outputPath)
}
