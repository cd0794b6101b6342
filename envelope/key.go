package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"

	"github.com/opd-ai/courier/content"
)

// KeySize is the symmetric content key length in bytes.
const KeySize = chacha20.KeySize

// ContentKey is the per-message symmetric key. It is generated once per
// message and never reused; each recipient envelope carries an
// independently wrapped copy.
type ContentKey struct {
	key [KeySize]byte
}

// NewContentKey generates a fresh random content key.
func NewContentKey() (*ContentKey, error) {
	k := &ContentKey{}
	if _, err := rand.Read(k.key[:]); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return k, nil
}

// ContentKeyFromBytes wraps recovered key material. The slice must be
// exactly KeySize bytes.
func ContentKeyFromBytes(raw []byte) (*ContentKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", KeySize, len(raw))
	}
	k := &ContentKey{}
	copy(k.key[:], raw)
	return k, nil
}

// Bytes returns the raw key material for wrapping.
func (k *ContentKey) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.key[:])
	return out
}

// EncryptFilter returns a streaming filter that writes a fresh random
// nonce followed by the XChaCha20-encrypted payload. The payload is never
// materialized whole.
func (k *ContentKey) EncryptFilter() content.StreamFilter {
	return func(dst io.Writer, src io.Reader) error {
		var nonce [chacha20.NonceSizeX]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		if _, err := dst.Write(nonce[:]); err != nil {
			return fmt.Errorf("write nonce: %w", err)
		}
		stream, err := chacha20.NewUnauthenticatedCipher(k.key[:], nonce[:])
		if err != nil {
			return fmt.Errorf("init cipher: %w", err)
		}
		if _, err := io.Copy(cipher.StreamWriter{S: stream, W: dst}, src); err != nil {
			return fmt.Errorf("encrypt stream: %w", err)
		}
		return nil
	}
}

// DecryptFilter returns a streaming filter that reads the nonce prefix
// and decrypts the remainder of the stream.
func (k *ContentKey) DecryptFilter() content.StreamFilter {
	return func(dst io.Writer, src io.Reader) error {
		var nonce [chacha20.NonceSizeX]byte
		if _, err := io.ReadFull(src, nonce[:]); err != nil {
			return &ProtocolError{Reason: "ciphertext shorter than nonce", Err: err}
		}
		stream, err := chacha20.NewUnauthenticatedCipher(k.key[:], nonce[:])
		if err != nil {
			return fmt.Errorf("init cipher: %w", err)
		}
		if _, err := io.Copy(dst, cipher.StreamReader{S: stream, R: src}); err != nil {
			return fmt.Errorf("decrypt stream: %w", err)
		}
		return nil
	}
}
