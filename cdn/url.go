// Package cdn builds the URLs of encrypted audio streams and downloads them.
package cdn

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	dzdecrypt "github.com/devgianlu/go-dzdecrypt"
	"golang.org/x/exp/slices"
)

type Quality int

const (
	QualityMP3128 Quality = 1
	QualityMP3320 Quality = 3
	QualityFLAC   Quality = 9
)

// qualities is sorted from the best to the worst, which is also the fallback order.
var qualities = []Quality{QualityFLAC, QualityMP3320, QualityMP3128}

var (
	ErrInvalidQuality   = errors.New("invalid quality")
	ErrMissingMd5Origin = errors.New("missing md5 origin")
)

const urlSeparator = 0xa4

// urlKey encrypts the URL path, it is fixed for every stream.
var urlKey = []byte("jo6aey6haid2Teih")

func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(s) {
	case "flac":
		return QualityFLAC, nil
	case "mp3_320", "320":
		return QualityMP3320, nil
	case "mp3_128", "128":
		return QualityMP3128, nil
	}

	val, err := strconv.Atoi(s)
	if err != nil || !Quality(val).Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidQuality, s)
	}

	return Quality(val), nil
}

func (q Quality) Valid() bool {
	return slices.Contains(qualities, q)
}

// Fallback returns the next lower quality to try when q is not available.
func (q Quality) Fallback() (Quality, bool) {
	idx := slices.Index(qualities, q)
	if idx < 0 || idx == len(qualities)-1 {
		return 0, false
	}

	return qualities[idx+1], true
}

func (q Quality) String() string {
	switch q {
	case QualityFLAC:
		return "flac"
	case QualityMP3320:
		return "mp3_320"
	case QualityMP3128:
		return "mp3_128"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

type TrackInfo struct {
	TrackId      dzdecrypt.TrackId
	Md5Origin    string
	MediaVersion string
	Quality      Quality
}

// EffectiveQuality is the quality actually served for the track, user
// uploaded tracks are only available as MP3 320.
func (info TrackInfo) EffectiveQuality() Quality {
	if info.TrackId.IsUserUploaded() {
		return QualityMP3320
	}

	return info.Quality
}

// StreamUrl returns the URL of the encrypted stream for the given track.
func StreamUrl(info TrackInfo) (string, error) {
	if len(info.Md5Origin) == 0 {
		return "", ErrMissingMd5Origin
	}

	quality := info.EffectiveQuality()
	if !quality.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidQuality, int(quality))
	}

	var payload bytes.Buffer
	payload.WriteString(info.Md5Origin)
	payload.WriteByte(urlSeparator)
	payload.WriteString(strconv.Itoa(int(quality)))
	payload.WriteByte(urlSeparator)
	payload.WriteString(info.TrackId.String())
	payload.WriteByte(urlSeparator)
	payload.WriteString(info.MediaVersion)

	sum := md5.Sum(payload.Bytes())

	var path bytes.Buffer
	path.WriteString(hex.EncodeToString(sum[:]))
	path.WriteByte(urlSeparator)
	path.Write(payload.Bytes())
	path.WriteByte(urlSeparator)
	for path.Len()%aes.BlockSize != 0 {
		path.WriteByte('.')
	}

	enc, err := encryptEcb(urlKey, path.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed encrypting stream path: %w", err)
	}

	return fmt.Sprintf("https://e-cdns-proxy-%c.dzcdn.net/mobile/1/%s", info.Md5Origin[0], hex.EncodeToString(enc)), nil
}

// encryptEcb encrypts data with AES in ECB mode and PKCS#7 padding, an
// already aligned input gets a whole block of padding.
func encryptEcb(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padLen := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}

	for off := 0; off < len(out); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], out[off:off+aes.BlockSize])
	}

	return out, nil
}
