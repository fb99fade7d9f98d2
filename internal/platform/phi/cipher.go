// Package phi encrypts client contact fields at rest with AES-256-GCM.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Ciphertexts are "v<version>:<base64(nonce || sealed)>".
const versionPrefix = "v"

// FieldCipher encrypts with the current key and decrypts with any key it
// knows, so keys can be rotated without rewriting old rows first.
type FieldCipher struct {
	currentVer int
	keys       map[int]cipher.AEAD
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// NewFieldCipher creates a cipher whose current key has the given version.
func NewFieldCipher(key []byte, version int) (*FieldCipher, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: %w", err)
	}
	return &FieldCipher{currentVer: version, keys: map[int]cipher.AEAD{version: aead}}, nil
}

// NewFieldCipherHex parses a 64-character hex key as version 1.
func NewFieldCipherHex(hexKey string) (*FieldCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: key is not valid hex: %w", err)
	}
	return NewFieldCipher(key, 1)
}

// NewKeyring builds a cipher from the current hex key and its version plus
// retired keys written as "<version>:<hex>".
func NewKeyring(currentHex string, version int, previous []string) (*FieldCipher, error) {
	if version < 1 {
		return nil, fmt.Errorf("phi cipher: key version must be positive, got %d", version)
	}
	key, err := hex.DecodeString(currentHex)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: key is not valid hex: %w", err)
	}
	fc, err := NewFieldCipher(key, version)
	if err != nil {
		return nil, err
	}
	for _, entry := range previous {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		verStr, hexKey, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("phi cipher: previous key must be <version>:<hex>")
		}
		ver, err := strconv.Atoi(verStr)
		if err != nil {
			return nil, fmt.Errorf("phi cipher: previous key version %q: %w", verStr, err)
		}
		old, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("phi cipher: previous key v%d is not valid hex: %w", ver, err)
		}
		if err := fc.AddPreviousKey(old, ver); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// AddPreviousKey registers a retired key for decryption only. It must be
// called before the cipher is shared.
func (f *FieldCipher) AddPreviousKey(key []byte, version int) error {
	if version == f.currentVer {
		return fmt.Errorf("phi cipher: version %d is the current key", version)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return fmt.Errorf("phi cipher: previous key v%d: %w", version, err)
	}
	f.keys[version] = aead
	return nil
}

func (f *FieldCipher) Encrypt(plaintext string) (string, error) {
	aead := f.keys[f.currentVer]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + strconv.Itoa(f.currentVer) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (f *FieldCipher) Decrypt(ciphertext string) (string, error) {
	version, payload, err := splitVersion(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	aead, ok := f.keys[version]
	if !ok {
		return "", fmt.Errorf("phi decrypt: no key for version %d", version)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", fmt.Errorf("phi decrypt: ciphertext too short")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}

// NeedsReEncryption reports whether ciphertext was sealed with a retired key.
func (f *FieldCipher) NeedsReEncryption(ciphertext string) bool {
	version, _, err := splitVersion(ciphertext)
	return err != nil || version != f.currentVer
}

func splitVersion(s string) (int, string, error) {
	head, payload, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(head, versionPrefix) {
		return 0, "", fmt.Errorf("missing version prefix")
	}
	version, err := strconv.Atoi(head[len(versionPrefix):])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version %q", head)
	}
	return version, payload, nil
}
