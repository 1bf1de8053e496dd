package storage

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/rowjay/backup-sidecar/internal/compress"
	"github.com/rowjay/backup-sidecar/internal/cryptoutil"
)

// Encrypted compresses then encrypts everything written through Put. Reads
// return the stored ciphertext untouched; decryption happens in the restore
// pipeline.
type Encrypted struct {
	Storage
	Passphrase  string
	Compression string
}

func NewEncrypted(inner Storage, passphrase, compression string) *Encrypted {
	return &Encrypted{Storage: inner, Passphrase: passphrase, Compression: compression}
}

func (e *Encrypted) Put(ctx context.Context, key string, reader io.Reader, _ int64, metadata map[string]string) (int64, error) {
	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	var written int64
	eg.Go(func() error {
		defer pipeReader.Close()
		n, err := e.Storage.Put(egCtx, key, pipeReader, -1, metadata)
		written = n
		return err
	})

	eg.Go(func() error {
		encWriter, err := cryptoutil.EncryptPassphraseWriter(pipeWriter, e.Passphrase)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		compWriter, err := compress.NewWriter(e.Compression, encWriter)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		if _, err := io.Copy(compWriter, reader); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		for _, c := range []io.Closer{compWriter, encWriter} {
			if err := c.Close(); err != nil {
				_ = pipeWriter.CloseWithError(err)
				return err
			}
		}
		return pipeWriter.Close()
	})

	if err := eg.Wait(); err != nil {
		return written, err
	}
	return written, nil
}
