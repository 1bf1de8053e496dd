package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/backup"
	"github.com/rowjay/backup-sidecar/internal/compress"
	"github.com/rowjay/backup-sidecar/internal/config"
	"github.com/rowjay/backup-sidecar/internal/lock"
	"github.com/rowjay/backup-sidecar/internal/membership"
	"github.com/rowjay/backup-sidecar/internal/notify"
	"github.com/rowjay/backup-sidecar/internal/observer"
	"github.com/rowjay/backup-sidecar/internal/restore"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

type App struct {
	Cfg        *config.Config
	Storage    storage.Storage
	Log        zerolog.Logger
	Notifier   notify.Notifier
	Observers  *observer.Registry
	Membership membership.Membership

	factory  *artifact.Factory
	manifest *backup.Manager
}

func New(cfg *config.Config, store storage.Storage, log zerolog.Logger, notifier notify.Notifier) (*App, error) {
	factory, err := artifact.NewFactory(artifact.Identity{
		Prefix:  cfg.Storage.Prefix,
		Region:  cfg.Node.Region,
		Cluster: cfg.Node.Cluster,
		Host:    cfg.Node.Host,
		Token:   cfg.Node.Token,
	})
	if err != nil {
		return nil, err
	}
	a := &App{
		Cfg:       cfg,
		Storage:   store,
		Log:       log,
		Notifier:  notifier,
		Observers: observer.NewRegistry(),
		Membership: membership.Static{
			Local:        cfg.Membership.Instances,
			CrossAccount: cfg.Membership.CrossAccount,
			DualAccount:  cfg.Membership.DualAccount,
		},
		factory: factory,
	}
	a.manifest = &backup.Manager{
		Factory:   factory,
		Store:     storage.NewLimited(store, cfg.Backup.UploadBytesPerSecond),
		Observers: a.Observers,
		Policy:    util.DefaultPolicy,
		TempDir:   cfg.Backup.MetaTempDir,
		Log:       log.With().Str("component", "manifest").Logger(),
	}
	if notifier != nil {
		a.Observers.Add(notify.BatchObserver{Notifier: notifier, Cluster: cfg.Node.Cluster, Host: cfg.Node.Host, Log: log})
	}
	return a, nil
}

// Factory returns the artifact factory for this node.
func (a *App) Factory() *artifact.Factory { return a.factory }

// BackupCommitLogs uploads the archived commit logs of this node.
func (a *App) BackupCommitLogs(ctx context.Context) (*backup.Report, error) {
	var report *backup.Report
	err := a.job(ctx, "commitlog", true, func(event *notify.Event) error {
		store, err := a.uploadStore()
		if err != nil {
			return err
		}
		b := &backup.CommitLogBackup{
			Factory:   a.factory,
			Store:     store,
			Observers: a.Observers,
			Policy:    util.DefaultPolicy,
			Log:       a.Log.With().Str("job", "commitlog").Logger(),
		}
		report, err = b.Upload(ctx, a.Cfg.Node.CommitLogDir, a.Cfg.Backup.SnapshotTag)
		if err != nil {
			return err
		}
		fillCounts(event, report)
		return report.Err()
	})
	return report, err
}

// BackupIncrementals uploads every flushed incremental table file.
func (a *App) BackupIncrementals(ctx context.Context) (*backup.Report, error) {
	var report *backup.Report
	err := a.job(ctx, "incremental", true, func(event *notify.Event) error {
		store, err := a.uploadStore()
		if err != nil {
			return err
		}
		b := &backup.IncrementalBackup{
			Factory:   a.factory,
			Store:     store,
			Observers: a.Observers,
			Policy:    a.backupPolicy(),
			Workers:   a.Cfg.Backup.UploadThreads,
			DataDir:   a.Cfg.Node.DataDir,
			Log:       a.Log.With().Str("job", "incremental").Logger(),
		}
		report, err = b.Run(ctx)
		if err != nil {
			return err
		}
		fillCounts(event, report)
		return report.Err()
	})
	return report, err
}

// BackupSnapshot uploads the snapshot named tag and writes its manifest. An
// empty tag uses the current minute.
func (a *App) BackupSnapshot(ctx context.Context, tag string) (*backup.Report, *artifact.Path, error) {
	if tag == "" {
		tag = artifact.FormatDate(time.Now())
	}
	var (
		report *backup.Report
		meta   *artifact.Path
	)
	err := a.job(ctx, "snapshot", true, func(event *notify.Event) error {
		store, err := a.uploadStore()
		if err != nil {
			return err
		}
		b := &backup.SnapshotBackup{
			Factory:  a.factory,
			Store:    store,
			Manifest: a.manifest,
			Policy:   a.backupPolicy(),
			Workers:  a.Cfg.Backup.UploadThreads,
			DataDir:  a.Cfg.Node.DataDir,
			Log:      a.Log.With().Str("job", "snapshot").Str("tag", tag).Logger(),
		}
		report, meta, err = b.Run(ctx, tag)
		if report != nil {
			fillCounts(event, report)
		}
		if meta != nil {
			event.Keys = []string{meta.Format()}
		}
		return err
	})
	return report, meta, err
}

// Restore materializes the newest snapshot taken at or before at, plus the
// incremental files uploaded between that snapshot and at. A missing or
// unreadable manifest fails the restore.
func (a *App) Restore(ctx context.Context, at time.Time) (*restore.Tracker, error) {
	var tracker *restore.Tracker
	err := a.job(ctx, "restore", false, func(event *notify.Event) error {
		meta, err := a.manifest.Latest(ctx, at)
		if err != nil {
			return err
		}
		paths, err := a.manifest.Load(ctx, meta)
		if err != nil {
			return err
		}
		later, err := a.artifactsSince(ctx, meta.Time, at)
		if err != nil {
			return err
		}
		paths = append(paths, later...)

		log := a.Log.With().Str("job", "restore").Str("manifest", meta.Format()).Logger()
		log.Info().Int("files", len(paths)).Msg("restoring")

		engine := &restore.Engine{
			Stages:  a.restoreStages(),
			Workers: a.Cfg.Restore.DownloadThreads,
			Policy:  util.Policy{Attempts: a.Cfg.Restore.RetryCount, Delay: a.Cfg.Restore.RetryBackoff},
			Log:     log,
		}
		tracker, err = engine.Restore(ctx, paths, a.Cfg.Restore.TargetDir)
		if tracker != nil {
			prog := tracker.Progress()
			event.Succeeded = prog.Materialized
			event.Failed = prog.Failed
		}
		if err != nil {
			return err
		}
		return tracker.Err()
	})
	return tracker, err
}

func (a *App) artifactsSince(ctx context.Context, from, to time.Time) ([]*artifact.Path, error) {
	all, err := storage.ListArtifacts(ctx, a.Storage, a.factory, a.factory.Identity.NodePrefix(), from, to)
	if err != nil {
		return nil, err
	}
	var paths []*artifact.Path
	for _, p := range all {
		switch {
		case p.Type == artifact.TypeSST:
			paths = append(paths, p)
		case p.Type == artifact.TypeCommitLog && a.Cfg.Restore.IncludeCommitLogs:
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (a *App) restoreStages() []restore.Stage {
	if a.Cfg.Restore.Decrypt {
		return restore.EncryptedStages(a.Storage, a.Cfg.Restore.Passphrase, a.Cfg.Restore.Compression)
	}
	return restore.PlainStages(a.Storage)
}

// List returns the artifacts of this node uploaded within [from, to].
func (a *App) List(ctx context.Context, from, to time.Time) ([]*artifact.Path, error) {
	return storage.ListArtifacts(ctx, a.Storage, a.factory, a.factory.Identity.NodePrefix(), from, to)
}

// Validate checks the configuration, the node's membership and that the
// store answers.
func (a *App) Validate(ctx context.Context) error {
	if _, err := a.window(); err != nil {
		return fmt.Errorf("backup window: %w", err)
	}
	if _, err := a.uploadStore(); err != nil {
		return err
	}
	if a.Cfg.Restore.Decrypt {
		if a.Cfg.Restore.Passphrase == "" {
			return errors.New("restore decryption is enabled but passphrase is empty")
		}
		if err := compress.Valid(a.Cfg.Restore.Compression); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	if len(a.Cfg.Membership.Instances) > 0 || len(a.Cfg.Membership.CrossAccount) > 0 {
		live, err := a.Membership.IsLive(ctx, a.Cfg.Node.Host)
		if err != nil {
			return err
		}
		if !live {
			return fmt.Errorf("host %s is not a live cluster member", a.Cfg.Node.Host)
		}
	}
	_, err := a.Storage.List(ctx, a.factory.Identity.NodePrefix())
	return err
}

// uploadStore layers throttling and encryption over the raw store.
func (a *App) uploadStore() (storage.Storage, error) {
	return storage.ForBackup(a.Storage, a.Cfg.Backup)
}

// manifests are stored unencrypted so restore can always read them.
func (a *App) backupPolicy() util.Policy {
	return util.Policy{Attempts: a.Cfg.Backup.RetryCount, Delay: a.Cfg.Backup.RetryBackoff}
}

// job runs fn under the process lock and sends one notification with its
// outcome. Backup jobs also honour the configured window.
func (a *App) job(ctx context.Context, name string, windowed bool, fn func(*notify.Event) error) (opErr error) {
	start := time.Now()
	event := notify.Event{
		Type:    name,
		Message: fmt.Sprintf("%s on %s", name, a.Cfg.Node.Host),
		Cluster: a.Cfg.Node.Cluster,
		Host:    a.Cfg.Node.Host,
	}
	defer func() {
		if a.Notifier == nil {
			return
		}
		event.Status = statusFromErr(opErr)
		event.StartedAt = start
		event.EndedAt = time.Now()
		event.Duration = time.Since(start).String()
		if opErr != nil {
			event.Error = opErr.Error()
		}
		_ = a.Notifier.Notify(context.WithoutCancel(ctx), event)
	}()

	guard, err := lock.Acquire(a.Cfg.Global.LockFile)
	if err != nil {
		return err
	}
	defer guard.Release()

	if windowed {
		w, err := a.window()
		if err != nil {
			return err
		}
		if !w.Contains(time.Now()) {
			return fmt.Errorf("current time is outside configured backup window")
		}
	}
	return fn(&event)
}

func (a *App) window() (util.Window, error) {
	s := a.Cfg.Schedule
	return util.ParseWindow(s.WindowStart, s.WindowEnd, s.Timezone)
}

func fillCounts(event *notify.Event, report *backup.Report) {
	event.Succeeded = report.Succeeded
	event.Skipped = report.Skipped
	event.Failed = len(report.Failed)
	event.Keys = report.Keys
}

func statusFromErr(err error) string {
	if err == nil {
		return "success"
	}
	return "failed"
}
