package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/observer"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

// Consumer uploads one incremental table file and removes it locally once
// the upload is confirmed.
type Consumer struct {
	Path   *artifact.Path
	Store  storage.Storage
	Policy util.Policy
	// Callback runs after a successful upload and local delete.
	Callback func(*artifact.Path)
	Log      zerolog.Logger
}

// Run uploads the file. A file that is already gone is reported as skipped.
// On failure the file is left in place for a later pass.
func (c *Consumer) Run(ctx context.Context) Result {
	c.Path.Type = artifact.TypeSST

	err := upload(ctx, c.Store, c.Path, c.Policy, c.Log)
	res := Result{Path: c.Path, Outcome: util.OutcomeOf(err), Err: err}
	if res.Outcome != util.Succeeded {
		return res
	}

	if err := os.Remove(c.Path.LocalFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.Log.Warn().Err(err).Str("file", c.Path.LocalFile).Msg("uploaded file could not be removed")
	}
	if c.Callback != nil {
		c.Callback(c.Path)
	}
	return res
}

// IncrementalBackup uploads every file the storage engine has flushed into
// the backups directories under DataDir.
type IncrementalBackup struct {
	Factory   *artifact.Factory
	Store     storage.Storage
	Observers *observer.Registry
	Policy    util.Policy
	Workers   int
	DataDir   string
	// OnUploaded is passed to every consumer as its callback.
	OnUploaded func(*artifact.Path)
	Log        zerolog.Logger
}

// Run scans <data>/<keyspace>/<columnfamily>/backups/ and uploads each file.
// Observers are notified once with the keys that were uploaded.
func (b *IncrementalBackup) Run(ctx context.Context) (*Report, error) {
	if b.DataDir == "" {
		return nil, errors.New("data directory is not configured")
	}
	files, err := listFiles(filepath.Join(b.DataDir, "*", "*", "backups", "*"))
	if err != nil {
		return nil, err
	}

	report := &Report{}
	paths := make([]*artifact.Path, 0, len(files))
	for _, file := range files {
		p, err := b.Factory.ParseLocal(file, artifact.TypeSST, "")
		if err != nil {
			unparsable(report, file, err, b.Log)
			continue
		}
		paths = append(paths, p)
	}

	err = runAll(ctx, b.Workers, paths, report, func(ctx context.Context, p *artifact.Path) Result {
		c := &Consumer{Path: p, Store: b.Store, Policy: b.Policy, Callback: b.OnUploaded, Log: b.Log}
		return c.Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	report.finish()

	b.Log.Info().
		Int("uploaded", report.Succeeded).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failed)).
		Msg("incremental backup finished")
	b.Observers.Notify(artifact.TypeSST, report.Keys)
	return report, nil
}
