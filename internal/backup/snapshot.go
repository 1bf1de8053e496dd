package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

// SnapshotBackup uploads the files of one named snapshot and records them in
// a manifest. Snapshot files belong to the storage engine and are kept.
type SnapshotBackup struct {
	Factory  *artifact.Factory
	Store    storage.Storage
	Manifest *Manager
	Policy   util.Policy
	Workers  int
	DataDir  string
	Log      zerolog.Logger
}

// Run uploads <data>/<keyspace>/<columnfamily>/snapshots/<tag>/*. The
// manifest is written only when every file was uploaded.
func (b *SnapshotBackup) Run(ctx context.Context, tag string) (*Report, *artifact.Path, error) {
	if b.DataDir == "" {
		return nil, nil, errors.New("data directory is not configured")
	}
	if _, err := artifact.ParseDate(tag); err != nil {
		return nil, nil, err
	}
	files, err := listFiles(filepath.Join(b.DataDir, "*", "*", "snapshots", tag, "*"))
	if err != nil {
		return nil, nil, err
	}

	report := &Report{}
	paths := make([]*artifact.Path, 0, len(files))
	for _, file := range files {
		p, err := b.Factory.ParseLocal(file, artifact.TypeSnapshot, tag)
		if err != nil {
			unparsable(report, file, err, b.Log)
			continue
		}
		paths = append(paths, p)
	}

	err = runAll(ctx, b.Workers, paths, report, func(ctx context.Context, p *artifact.Path) Result {
		err := upload(ctx, b.Store, p, b.Policy, b.Log)
		return Result{Path: p, Outcome: util.OutcomeOf(err), Err: err}
	})
	if err != nil {
		return nil, nil, err
	}
	report.finish()
	if len(report.Failed) > 0 || report.Skipped > 0 {
		return report, nil, fmt.Errorf("snapshot %s incomplete, manifest not written: %d failed, %d vanished", tag, len(report.Failed), report.Skipped)
	}

	meta, err := b.Manifest.Build(ctx, report.uploaded, tag)
	if err != nil {
		return report, nil, err
	}
	b.Log.Info().Str("tag", tag).Int("files", report.Succeeded).Str("manifest", meta.Format()).Msg("snapshot backup finished")
	return report, meta, nil
}
