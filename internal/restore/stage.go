// Package restore downloads artifacts and materializes them locally through
// a fixed list of stages.
package restore

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/compress"
	"github.com/rowjay/backup-sidecar/internal/cryptoutil"
	"github.com/rowjay/backup-sidecar/internal/storage"
)

// Stage transforms src into dst for one artifact. The first stage has no
// src and reads from the store. dst always exists and is empty when Run is
// called.
type Stage struct {
	// Name is the state a file is in while the stage runs.
	Name State
	// Suffix is appended to the download temp name to form this stage's
	// output; the download stage leaves it empty.
	Suffix string
	Run    func(ctx context.Context, p *artifact.Path, src, dst string) error
}

// Download fetches the artifact's remote key from store.
func Download(store storage.Storage) Stage {
	return Stage{
		Name: StateDownloading,
		Run: func(ctx context.Context, p *artifact.Path, _, dst string) error {
			rc, err := store.Get(ctx, p.Format())
			if err != nil {
				return err
			}
			defer rc.Close()
			n, err := writeTo(dst, rc)
			if err != nil {
				return err
			}
			p.CompressedSize = n
			return nil
		},
	}
}

// Decrypt decrypts a passphrase-encrypted stream.
func Decrypt(passphrase string) Stage {
	return Stage{
		Name:   StateDecrypting,
		Suffix: "decrypted",
		Run: func(_ context.Context, _ *artifact.Path, src, dst string) error {
			in, err := os.Open(src)
			if err != nil {
				return err
			}
			defer in.Close()
			plain, err := cryptoutil.DecryptPassphraseReader(in, passphrase)
			if err != nil {
				return err
			}
			_, err = writeTo(dst, plain)
			return err
		},
	}
}

// Decompress inflates a stream compressed with kind.
func Decompress(kind string) Stage {
	return Stage{
		Name:   StateDecompressing,
		Suffix: "decompressed",
		Run: func(_ context.Context, p *artifact.Path, src, dst string) error {
			in, err := os.Open(src)
			if err != nil {
				return err
			}
			defer in.Close()
			dec, err := compress.NewReader(kind, in)
			if err != nil {
				return err
			}
			defer dec.Close()
			n, err := writeTo(dst, dec)
			if err != nil {
				return err
			}
			p.UncompressedSize = n
			return nil
		},
	}
}

// PlainStages restores artifacts that were stored as-is.
func PlainStages(store storage.Storage) []Stage {
	return []Stage{Download(store)}
}

// EncryptedStages restores artifacts written through storage.Encrypted.
func EncryptedStages(store storage.Storage, passphrase, compression string) []Stage {
	return []Stage{Download(store), Decrypt(passphrase), Decompress(compression)}
}

func writeTo(dst string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", dst, err)
	}
	return n, nil
}
