package config

import (
	"fmt"
	"os"

	"github.com/rowjay/backup-sidecar/internal/cryptoutil"
)

// SealFile writes an encrypted copy of the config at in to out. The result
// can be loaded directly when its name ends in .enc or .encrypted.
func SealFile(in, out, key string) error {
	plain, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	sealed, err := sealWith(plain, key)
	if err != nil {
		return err
	}
	return os.WriteFile(out, sealed, 0o600)
}

// OpenFile writes the plaintext of the sealed config at in to out.
func OpenFile(in, out, key string) error {
	sealed, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	plain, err := openWith(sealed, key)
	if err != nil {
		return err
	}
	return os.WriteFile(out, plain, 0o600)
}

func sealWith(plain []byte, key string) ([]byte, error) {
	raw, err := cryptoutil.ParseConfigKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.SealConfig(plain, raw)
}

func openWith(sealed []byte, key string) ([]byte, error) {
	raw, err := cryptoutil.ParseConfigKey(key)
	if err != nil {
		return nil, err
	}
	plain, err := cryptoutil.OpenConfig(sealed, raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt config: %w", err)
	}
	return plain, nil
}
