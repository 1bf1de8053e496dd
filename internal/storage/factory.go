package storage

import (
	"fmt"

	"github.com/rowjay/backup-sidecar/internal/compress"
	"github.com/rowjay/backup-sidecar/internal/config"
)

func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocal(cfg.Local.Path), nil
	case "s3":
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// ForBackup layers the upload-side wrappers the backup config asks for.
func ForBackup(inner Storage, cfg config.BackupConfig) (Storage, error) {
	store := NewLimited(inner, cfg.UploadBytesPerSecond)
	if cfg.Encryption {
		if cfg.Passphrase == "" {
			return nil, fmt.Errorf("encryption is enabled but passphrase is empty")
		}
		if err := compress.Valid(cfg.Compression); err != nil {
			return nil, err
		}
		store = NewEncrypted(store, cfg.Passphrase, cfg.Compression)
	}
	return store, nil
}
