package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/observer"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

// CommitLogBackup uploads archived commit log segments.
type CommitLogBackup struct {
	Factory   *artifact.Factory
	Store     storage.Storage
	Observers *observer.Registry
	// Policy defaults to util.DefaultPolicy.
	Policy util.Policy
	Log    zerolog.Logger
}

// Upload sends every file in dir, one at a time. When snapshotTag is set its
// timestamp is used for every file. A file that fails is logged and recorded
// and the batch moves on. Observers are notified once with every key this
// call uploaded.
func (b *CommitLogBackup) Upload(ctx context.Context, dir, snapshotTag string) (*Report, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("commit log directory is blank")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("commit log directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("commit log directory %s is not a directory", dir)
	}
	if snapshotTag != "" {
		if _, err := artifact.ParseDate(snapshotTag); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list commit logs: %w", err)
	}

	policy := b.Policy
	if policy.Attempts == 0 {
		policy = util.DefaultPolicy
	}

	report := &Report{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := filepath.Join(dir, entry.Name())
		p, err := b.Factory.ParseLocal(file, artifact.TypeCommitLog, snapshotTag)
		if err != nil {
			unparsable(report, file, err, b.Log)
			continue
		}

		err = upload(ctx, b.Store, p, policy, b.Log)
		if util.OutcomeOf(err) == util.Succeeded {
			if rmErr := os.Remove(file); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				b.Log.Warn().Err(rmErr).Str("file", file).Msg("uploaded commit log could not be removed")
			}
		}
		report.add(Result{Path: p, Outcome: util.OutcomeOf(err), Err: err})
	}
	report.finish()

	b.Log.Info().
		Str("dir", dir).
		Int("uploaded", report.Succeeded).
		Int("failed", len(report.Failed)).
		Msg("commit log backup finished")
	b.Observers.Notify(artifact.TypeCommitLog, report.Keys)
	return report, nil
}
