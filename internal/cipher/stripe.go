// Package cipher implements the stripe decryption applied to protected media streams.
//
// A stream is a sequence of 6144-byte segments. The first 2048 bytes of every
// segment are Blowfish-CBC encrypted with a fixed IV; the remaining 4096 bytes
// are plain. A trailing segment shorter than 2048 bytes is left untouched.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/blowfish"

	"github.com/cesargomez89/crate/internal/domain"
)

const (
	SegmentSize   = 6144
	EncryptedSize = 2048
)

var (
	secret = []byte("g4el58wc0zvf9na1")
	iv     = []byte{0, 1, 2, 3, 4, 5, 6, 7}
)

// DeriveKey returns the 16-byte Blowfish key for seed. The key mixes both halves
// of the hex MD5 digest of the seed with a fixed secret.
func DeriveKey(seed string) []byte {
	sum := md5.Sum([]byte(seed))
	digest := hex.EncodeToString(sum[:])

	key := make([]byte, 16)
	for i := range key {
		key[i] = digest[i] ^ digest[i+16] ^ secret[i]
	}
	return key
}

// Stripe decrypts segments for a single seed. It keeps no chaining state between
// calls, so one value can be reused for any number of segments.
type Stripe struct {
	block stdcipher.Block
}

// New builds a Stripe for seed.
func New(seed string) (*Stripe, error) {
	block, err := blowfish.NewCipher(DeriveKey(seed))
	if err != nil {
		return nil, domain.DecryptionError("derive key", err)
	}
	return &Stripe{block: block}, nil
}

// DecryptSegment decrypts seg in place. seg must not be longer than SegmentSize.
// Segments shorter than EncryptedSize pass through unchanged.
func (s *Stripe) DecryptSegment(seg []byte) {
	if len(seg) < EncryptedSize {
		return
	}
	// a new CBC decrypter per segment so chaining never crosses segments
	stdcipher.NewCBCDecrypter(s.block, iv).CryptBlocks(seg[:EncryptedSize], seg[:EncryptedSize])
}

// Decrypt returns the decrypted copy of data.
func Decrypt(seed string, data []byte) ([]byte, error) {
	s, err := New(seed)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	for off := 0; off < len(out); off += SegmentSize {
		end := off + SegmentSize
		if end > len(out) {
			end = len(out)
		}
		s.DecryptSegment(out[off:end])
	}
	return out, nil
}

// DecryptStream copies src to dst, decrypting on the fly.
func DecryptStream(seed string, dst io.Writer, src io.Reader) (int64, error) {
	r, err := NewReader(seed, src)
	if err != nil {
		return 0, err
	}
	return io.Copy(dst, r)
}
