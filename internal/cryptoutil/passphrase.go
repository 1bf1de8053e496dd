package cryptoutil

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/minio/sio"
	"golang.org/x/crypto/scrypt"
)

// Passphrase streams start with a header carrying the scrypt salt:
// magic(4) | salt(16) | DARE payload.
const (
	streamMagic = "BSC1"
	saltSize    = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrBadStream is returned when the stream header is missing or foreign.
var ErrBadStream = errors.New("not a passphrase-encrypted stream")

// DeriveKey stretches a passphrase into a key for DARE (sio) streams.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, KeySize)
}

// EncryptPassphraseWriter writes the stream header to w and returns a writer
// that encrypts everything written to it. Close must be called to flush the
// final package.
func EncryptPassphraseWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, streamMagic); err != nil {
		return nil, err
	}
	if _, err := w.Write(salt); err != nil {
		return nil, err
	}
	return sio.EncryptWriter(w, sio.Config{Key: key})
}

// DecryptPassphraseReader reads the stream header from r and returns a
// reader yielding the plaintext.
func DecryptPassphraseReader(r io.Reader, passphrase string) (io.Reader, error) {
	header := make([]byte, len(streamMagic)+saltSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadStream, err)
	}
	if string(header[:len(streamMagic)]) != streamMagic {
		return nil, ErrBadStream
	}
	key, err := DeriveKey(passphrase, header[len(streamMagic):])
	if err != nil {
		return nil, err
	}
	return sio.DecryptReader(r, sio.Config{Key: key})
}
