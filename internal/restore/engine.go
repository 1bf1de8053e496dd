package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/metrics"
	"github.com/rowjay/backup-sidecar/internal/pool"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

const (
	tempSuffix    = ".tmp"
	scratchPrefix = ".bsc-restore-"
)

// Engine restores artifacts in parallel. Each file runs every stage in
// order; a target only appears once its last stage has succeeded.
type Engine struct {
	Stages  []Stage
	Workers int
	Policy  util.Policy
	Log     zerolog.Logger
}

// Restore materializes paths under targetDir and blocks until every file has
// finished. A file that fails does not stop the others; inspect the tracker
// for per-file results. If ctx ends first Restore returns the tracker and
// ctx's error while the remaining files keep going.
func (e *Engine) Restore(ctx context.Context, paths []*artifact.Path, targetDir string) (*Tracker, error) {
	if len(e.Stages) == 0 || e.Stages[0].Name != StateDownloading {
		return nil, errors.New("restore pipeline must start with a download stage")
	}
	if targetDir == "" {
		return nil, errors.New("restore target directory is blank")
	}

	type job struct {
		path   *artifact.Path
		target string
		temps  []string
	}
	tracker := newTracker()
	jobs := make([]job, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		target := p.NewRestoreTarget(targetDir)
		if seen[target] {
			e.Log.Debug().Str("key", p.Format()).Str("file", target).Msg("target already requested, skipping")
			continue
		}
		seen[target] = true
		tracker.add(p.Format(), target)
		jobs = append(jobs, job{path: p, target: target})
	}

	// Temps live in a fresh directory directly under targetDir. Every target
	// is at least two levels deep, so no target can land on a temp name.
	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		return nil, fmt.Errorf("create restore directory: %w", err)
	}
	scratch, err := os.MkdirTemp(targetDir, scratchPrefix)
	if err != nil {
		return nil, fmt.Errorf("create restore scratch directory: %w", err)
	}
	for i := range jobs {
		jobs[i].temps = e.tempNames(scratch, i)
	}

	taskCtx := context.WithoutCancel(ctx)
	workers := pool.New(e.Workers)
	cleanup := func() {
		workers.Close()
		_ = os.RemoveAll(scratch)
	}
	for _, j := range jobs {
		j := j
		err := workers.Submit(func() {
			err := e.restoreOne(taskCtx, j.path, j.target, j.temps, tracker)
			tracker.finish(j.path.Format(), j.path.UncompressedSize, err)
			metrics.ObserveTransfer(metrics.DirectionDownload, string(j.path.Type), util.OutcomeOf(err).String(), j.path.CompressedSize)
			metrics.SetRestoreInFlight(workers.InFlight() - 1)
		})
		if err != nil {
			cleanup()
			return tracker, err
		}
		metrics.SetRestoreInFlight(workers.InFlight())
	}

	if err := workers.Wait(ctx); err != nil {
		go cleanup()
		return tracker, err
	}
	cleanup()

	prog := tracker.Progress()
	e.Log.Info().
		Int("files", prog.Total).
		Int("restored", prog.Materialized).
		Int("failed", prog.Failed).
		Int64("bytes", prog.Bytes).
		Msg("restore finished")
	return tracker, nil
}

// tempNames returns the output file of every stage of job n inside scratch:
// <n>.tmp for the download, <n>.tmp.<suffix> for the others.
func (e *Engine) tempNames(scratch string, n int) []string {
	names := make([]string, len(e.Stages))
	base := filepath.Join(scratch, strconv.Itoa(n)+tempSuffix)
	for i, st := range e.Stages {
		names[i] = base
		if st.Suffix != "" {
			names[i] += "." + st.Suffix
		}
	}
	return names
}

func (e *Engine) restoreOne(ctx context.Context, p *artifact.Path, target string, temps []string, tracker *Tracker) error {
	key := p.Format()
	log := e.Log.With().Str("key", key).Str("file", target).Logger()
	defer removeAll(temps)

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		log.Error().Err(err).Msg("cannot create restore directory")
		return err
	}

	policy := e.Policy
	next := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		metrics.ObserveRetry(metrics.DirectionDownload)
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("restore attempt failed, starting over")
		if next != nil {
			next(err, attempt, wait)
		}
	}

	err := util.Retry(ctx, policy, "restore "+key, func(attempt int) error {
		src := ""
		for i, st := range e.Stages {
			tracker.setState(key, st.Name, attempt)
			if err := reset(temps[i]); err != nil {
				return err
			}
			if err := st.Run(ctx, p, src, temps[i]); err != nil {
				for _, t := range temps[:i+1] {
					_ = reset(t)
				}
				stageErr := &StageError{Stage: st.Name, Key: key, Err: err}
				if storage.IsNotFound(err) {
					return util.Permanent(stageErr)
				}
				return stageErr
			}
			src = temps[i]
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("restore failed")
		return err
	}

	last := temps[len(temps)-1]
	if p.UncompressedSize == 0 {
		if info, statErr := os.Stat(last); statErr == nil {
			p.UncompressedSize = info.Size()
		}
	}
	if err := os.Rename(last, target); err != nil {
		log.Error().Err(err).Msg("cannot move restored file into place")
		return fmt.Errorf("materialize %s: %w", target, err)
	}
	log.Debug().Msg("file restored")
	return nil
}

// reset leaves path as an empty file.
func reset(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
