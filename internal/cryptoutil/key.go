package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const KeySize = 32

var (
	ErrEmptyKey    = errors.New("config key is empty")
	ErrKeyLength   = errors.New("config key must be 32 bytes")
	ErrKeyEncoding = errors.New("config key is neither base64 nor hex")
)

var keyDecoders = map[string]func(string) ([]byte, error){
	"base64:": base64.StdEncoding.DecodeString,
	"hex:":    hex.DecodeString,
}

// ParseConfigKey decodes a raw AES-256 key. An explicit "base64:" or "hex:"
// prefix selects the encoding; without one base64 is tried before hex.
func ParseConfigKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyKey
	}
	for prefix, decode := range keyDecoders {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			key, err := decode(rest)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrKeyEncoding, err)
			}
			return checkLength(key)
		}
	}
	// A 64 digit hex key is also valid base64, so length decides.
	err := ErrKeyEncoding
	for _, decode := range []func(string) ([]byte, error){base64.StdEncoding.DecodeString, hex.DecodeString} {
		raw, decErr := decode(s)
		if decErr != nil {
			continue
		}
		key, lenErr := checkLength(raw)
		if lenErr == nil {
			return key, nil
		}
		err = lenErr
	}
	return nil, err
}

func checkLength(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(key))
	}
	return key, nil
}
