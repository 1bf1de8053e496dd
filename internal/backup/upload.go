package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/metrics"
	"github.com/rowjay/backup-sidecar/internal/pool"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

// upload sends p.LocalFile to its remote key under policy. A local file that
// no longer exists is a cancellation. On success the compressed size and
// throttle count on p are updated. The throttle count only includes
// responses to this file's own requests.
func upload(ctx context.Context, store storage.Storage, p *artifact.Path, policy util.Policy, log zerolog.Logger) error {
	key := p.Format()
	policy = withRetryLog(policy, metrics.DirectionUpload, log.With().Str("key", key).Logger())

	err := util.Retry(ctx, policy, "upload "+p.Describe(), func(int) error {
		file, err := os.Open(p.LocalFile)
		if err != nil {
			if os.IsNotExist(err) {
				return util.Cancel(err)
			}
			return err
		}
		defer file.Close()

		var throttles atomic.Int64
		callCtx := storage.WithThrottleCounter(ctx, &throttles)
		n, err := store.Put(callCtx, key, file, p.UncompressedSize, map[string]string{"bsc-type": string(p.Type)})
		throttled := throttles.Load()
		p.ThrottleCount += throttled
		metrics.ObserveThrottles(throttled)
		if err != nil {
			return err
		}
		p.CompressedSize = n
		return nil
	})

	outcome := util.OutcomeOf(err)
	metrics.ObserveTransfer(metrics.DirectionUpload, string(p.Type), outcome.String(), p.CompressedSize)
	switch outcome {
	case util.Skipped:
		log.Debug().Str("file", p.LocalFile).Str("key", key).Msg("file already gone, skipping")
	case util.Failed:
		log.Error().Err(err).Str("file", p.LocalFile).Str("key", key).Msg("upload failed")
	}
	return err
}

func withRetryLog(policy util.Policy, direction string, log zerolog.Logger) util.Policy {
	next := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		metrics.ObserveRetry(direction)
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying")
		if next != nil {
			next(err, attempt, wait)
		}
	}
	return policy
}

// runAll runs task for every path on a pool of workers and records the
// results in report. Tasks are not cancelled with ctx; if ctx ends first
// runAll returns its error and the tasks finish in the background.
func runAll(ctx context.Context, workers int, paths []*artifact.Path, report *Report, task func(context.Context, *artifact.Path) Result) error {
	taskCtx := context.WithoutCancel(ctx)
	p := pool.New(workers)
	for _, path := range paths {
		path := path
		if err := p.Submit(func() { report.add(task(taskCtx, path)) }); err != nil {
			p.Close()
			return err
		}
	}
	if err := p.Wait(ctx); err != nil {
		go p.Close()
		return err
	}
	p.Close()
	return nil
}

// listFiles returns the regular files matching pattern, sorted.
// unparsable records a file that could not be turned into an artifact path.
// A file removed since the scan is a cancellation, not a failure.
func unparsable(report *Report, file string, err error, log zerolog.Logger) {
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("file", file).Msg("file already gone, skipping")
		report.add(Result{Outcome: util.Skipped, Err: util.Cancel(err)})
		return
	}
	log.Error().Err(err).Str("file", file).Msg("cannot build artifact path")
	report.fail(file, err)
}

func listFiles(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	files := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	return files, nil
}
