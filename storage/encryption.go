package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	KeySize         = 32 // AES-256
	NonceSize       = 12
	TagSize         = 16
	CipherOverhead  = NonceSize + TagSize
	encryptedPageSz = PageSize + CipherOverhead
)

// Encryptor seals page images with AES-GCM.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor with the given key
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{aead: aead}, nil
}

// Seal returns [Nonce (12)] + [Ciphertext] + [Tag (16)].
// The page ID is bound as additional data so a page image cannot be replayed
// at another offset.
func (e *Encryptor) Seal(id PageID, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, pageAD(id)), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(id PageID, data []byte) ([]byte, error) {
	if len(data) < CipherOverhead {
		return nil, fmt.Errorf("data too short")
	}
	nonce := data[:NonceSize]
	return e.aead.Open(nil, nonce, data[NonceSize:], pageAD(id))
}

func pageAD(id PageID) []byte {
	ad := make([]byte, 8)
	for i := 0; i < 8; i++ {
		ad[i] = byte(uint64(id) >> (8 * i))
	}
	return ad
}

// GenerateKey generates a random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
