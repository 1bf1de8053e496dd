package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sealed config layout: magic(4) | version(2) | nonce(12) | AES-GCM payload.
const (
	sealMagic   = "BSCC"
	sealVersion = uint16(1)
	nonceSize   = 12
	headerSize  = len(sealMagic) + 2 + nonceSize
)

var (
	ErrNotSealed   = errors.New("not a sealed config")
	ErrSealVersion = errors.New("unsupported sealed config version")
)

// SealConfig encrypts a config document under a 32-byte key.
func SealConfig(plain, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	header := make([]byte, headerSize)
	copy(header, sealMagic)
	binary.BigEndian.PutUint16(header[len(sealMagic):], sealVersion)
	if _, err := rand.Read(header[len(sealMagic)+2:]); err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(plain)+aead.Overhead())
	copy(out, header)
	return aead.Seal(out, header[len(sealMagic)+2:], plain, header[:len(sealMagic)+2]), nil
}

// OpenConfig reverses SealConfig. The header is authenticated along with the
// payload, so a tampered version is rejected.
func OpenConfig(sealed, key []byte) ([]byte, error) {
	if len(sealed) < headerSize || string(sealed[:len(sealMagic)]) != sealMagic {
		return nil, ErrNotSealed
	}
	if v := binary.BigEndian.Uint16(sealed[len(sealMagic):]); v != sealVersion {
		return nil, fmt.Errorf("%w: %d", ErrSealVersion, v)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[len(sealMagic)+2 : headerSize]
	plain, err := aead.Open(nil, nonce, sealed[headerSize:], sealed[:len(sealMagic)+2])
	if err != nil {
		return nil, fmt.Errorf("open sealed config: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
