package filter

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vbp1/pgbackrest-go/internal/container"
)

// pbkdf2Iterations matches the teacher's ssh-agent/known_hosts posture of
// using conservative, well-known defaults rather than a tunable knob.
const pbkdf2Iterations = 100_000

const aesKeySize = 32 // AES-256

// deriveKey turns a passphrase and per-repository salt into an AES-256
// subkey via PBKDF2-HMAC-SHA256, per spec.md §4.4.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeySize, sha256.New)
}

// AESEncrypt streams plaintext through AES-256-CBC with PKCS-7 padding,
// prefixing a random IV to the ciphertext.
type AESEncrypt struct {
	cbc       cipher.BlockMode
	iv        []byte
	ivWritten bool
	pending   []byte
	done      bool
}

// NewAESEncrypt derives a subkey from passphrase/salt and picks a fresh
// random IV for this stream.
func NewAESEncrypt(passphrase string, salt []byte) (*AESEncrypt, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("filter: aes-256-cbc-encrypt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("filter: aes-256-cbc-encrypt: iv: %w", err)
	}
	return &AESEncrypt{cbc: cipher.NewCBCEncrypter(block, iv), iv: iv}, nil
}

func (f *AESEncrypt) Name() string { return "aes-256-cbc-encrypt" }

func (f *AESEncrypt) Step(in []byte, out *container.Buffer) (bool, error) {
	if !f.ivWritten {
		out.Append(f.iv)
		f.ivWritten = true
	}
	f.pending = append(f.pending, in...)
	n := (len(f.pending) / aes.BlockSize) * aes.BlockSize
	if n == 0 {
		return false, nil
	}
	ciphertext := make([]byte, n)
	f.cbc.CryptBlocks(ciphertext, f.pending[:n])
	out.Append(ciphertext)
	f.pending = append([]byte(nil), f.pending[n:]...)
	return false, nil
}

func (f *AESEncrypt) Flush(out *container.Buffer) error {
	if f.done {
		return nil
	}
	if !f.ivWritten {
		out.Append(f.iv)
		f.ivWritten = true
	}
	padLen := aes.BlockSize - len(f.pending)%aes.BlockSize
	padded := append(append([]byte(nil), f.pending...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	ciphertext := make([]byte, len(padded))
	f.cbc.CryptBlocks(ciphertext, padded)
	out.Append(ciphertext)
	f.pending = nil
	f.done = true
	return nil
}

func (f *AESEncrypt) Done() bool           { return f.done }
func (f *AESEncrypt) Result() (any, bool) { return nil, false }

// AESDecrypt reverses AESEncrypt: reads the IV prefix, decrypts
// AES-256-CBC, and strips PKCS-7 padding from the final block.
type AESDecrypt struct {
	block   cipher.Block
	cbc     cipher.BlockMode
	pending []byte
	done    bool
}

// NewAESDecrypt derives the same subkey as NewAESEncrypt; the IV is read
// from the first 16 bytes of the stream rather than passed in.
func NewAESDecrypt(passphrase string, salt []byte) (*AESDecrypt, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("filter: aes-256-cbc-decrypt: %w", err)
	}
	return &AESDecrypt{block: block}, nil
}

func (f *AESDecrypt) Name() string { return "aes-256-cbc-decrypt" }

func (f *AESDecrypt) Step(in []byte, out *container.Buffer) (bool, error) {
	f.pending = append(f.pending, in...)
	if f.cbc == nil {
		if len(f.pending) < aes.BlockSize {
			return false, nil
		}
		iv := f.pending[:aes.BlockSize]
		f.cbc = cipher.NewCBCDecrypter(f.block, iv)
		f.pending = append([]byte(nil), f.pending[aes.BlockSize:]...)
	}
	// Always keep at least one full block buffered: it may be the final
	// padded block, whose plaintext must not be emitted until Flush
	// strips the padding.
	if len(f.pending) <= aes.BlockSize {
		return false, nil
	}
	n := len(f.pending) - aes.BlockSize
	n -= n % aes.BlockSize
	if n <= 0 {
		return false, nil
	}
	plain := make([]byte, n)
	f.cbc.CryptBlocks(plain, f.pending[:n])
	out.Append(plain)
	f.pending = append([]byte(nil), f.pending[n:]...)
	return false, nil
}

func (f *AESDecrypt) Flush(out *container.Buffer) error {
	if f.done {
		return nil
	}
	defer func() { f.done = true }()
	if f.cbc == nil || len(f.pending) == 0 {
		return nil
	}
	if len(f.pending)%aes.BlockSize != 0 {
		return fmt.Errorf("filter: aes-256-cbc-decrypt: truncated ciphertext")
	}
	plain := make([]byte, len(f.pending))
	f.cbc.CryptBlocks(plain, f.pending)
	padLen := int(plain[len(plain)-1])
	if padLen <= 0 || padLen > aes.BlockSize || padLen > len(plain) {
		return fmt.Errorf("filter: aes-256-cbc-decrypt: invalid padding")
	}
	for _, b := range plain[len(plain)-padLen:] {
		if int(b) != padLen {
			return fmt.Errorf("filter: aes-256-cbc-decrypt: invalid padding")
		}
	}
	out.Append(plain[:len(plain)-padLen])
	f.pending = nil
	return nil
}

func (f *AESDecrypt) Done() bool           { return f.done }
func (f *AESDecrypt) Result() (any, bool) { return nil, false }
