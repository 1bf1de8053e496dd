package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/backup-sidecar/internal/app"
	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/backup"
	"github.com/rowjay/backup-sidecar/internal/config"
	"github.com/rowjay/backup-sidecar/internal/logging"
	"github.com/rowjay/backup-sidecar/internal/notify"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	Region      string
	Cluster     string
	Host        string
	Token       string
	DataDir     string
	Storage     string
	LocalPath   string
	Prefix      string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    string
	S3PathStyle string
	Passphrase  string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:   "bsc",
		Short: "Backup and restore sidecar for storage-engine nodes",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.Region, "region", "", "Node region")
	rootCmd.PersistentFlags().StringVar(&overrides.Cluster, "cluster", "", "Cluster name")
	rootCmd.PersistentFlags().StringVar(&overrides.Host, "host", "", "Node host name")
	rootCmd.PersistentFlags().StringVar(&overrides.Token, "token", "", "Node token")
	rootCmd.PersistentFlags().StringVar(&overrides.DataDir, "data-dir", "", "Storage engine data directory")

	rootCmd.PersistentFlags().StringVar(&overrides.Storage, "storage", "", "Storage backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local storage path")
	rootCmd.PersistentFlags().StringVar(&overrides.Prefix, "prefix", "", "Remote key prefix")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.Passphrase, "passphrase", "", "Passphrase for encrypted backups and restores")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config and builds the app with a context bounded by the
// operation timeout.
func setup(root *rootFlags, overrides *overrideFlags) (*app.App, zerolog.Logger, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, zerolog.Logger{}, nil, nil, err
	}
	logger := logging.ForNode(logging.New(os.Stderr, cfg.Global.LogLevel, cfg.Global.LogFormat), cfg.Node)
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, logger, nil, nil, err
	}
	appSvc, err := app.New(cfg, store, logger, notify.FromConfig(cfg.Notifications))
	if err != nil {
		return nil, logger, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
	return appSvc, logger, ctx, cancel, nil
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var tag string
	var threads int
	var compression string
	var encrypt bool

	apply := func(a *app.App) {
		if tag != "" {
			a.Cfg.Backup.SnapshotTag = tag
		}
		if threads > 0 {
			a.Cfg.Backup.UploadThreads = threads
		}
		if compression != "" {
			a.Cfg.Backup.Compression = strings.ToLower(compression)
		}
		if encrypt {
			a.Cfg.Backup.Encryption = true
		}
	}
	logReport := func(logger zerolog.Logger, kind string, report *backup.Report) {
		if report == nil {
			return
		}
		logger.Info().
			Str("kind", kind).
			Int("uploaded", report.Succeeded).
			Int("skipped", report.Skipped).
			Int("failed", len(report.Failed)).
			Msg("backup completed")
	}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload local artifacts to the object store",
	}
	cmd.PersistentFlags().StringVar(&tag, "tag", "", "Snapshot tag (yyyyMMddHHmm or yyyyMMdd)")
	cmd.PersistentFlags().IntVar(&threads, "threads", 0, "Upload workers")
	cmd.PersistentFlags().StringVar(&compression, "compression", "", "Compression for encrypted uploads (none/gzip/zstd/snappy)")
	cmd.PersistentFlags().BoolVar(&encrypt, "encrypt", false, "Encrypt uploads")

	cmd.AddCommand(&cobra.Command{
		Use:   "commitlog",
		Short: "Upload archived commit log segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, ctx, cancel, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			apply(a)
			report, err := a.BackupCommitLogs(ctx)
			logReport(logger, "commitlog", report)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "incremental",
		Short: "Upload flushed incremental table files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, ctx, cancel, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			apply(a)
			report, err := a.BackupIncrementals(ctx)
			logReport(logger, "incremental", report)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Upload a named snapshot and its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, ctx, cancel, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			apply(a)
			report, meta, err := a.BackupSnapshot(ctx, a.Cfg.Backup.SnapshotTag)
			logReport(logger, "snapshot", report)
			if meta != nil {
				logger.Info().Str("manifest", meta.Format()).Msg("manifest written")
			}
			return err
		},
	})
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var at string
	var target string
	var threads int
	var decrypt bool
	var commitLogs bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the newest snapshot at or before a point in time",
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				parsed, err := artifact.ParseDate(at)
				if err != nil {
					return err
				}
				when = parsed
			}
			a, logger, ctx, cancel, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			if target != "" {
				a.Cfg.Restore.TargetDir = target
			}
			if threads > 0 {
				a.Cfg.Restore.DownloadThreads = threads
			}
			if decrypt {
				a.Cfg.Restore.Decrypt = true
			}
			if commitLogs {
				a.Cfg.Restore.IncludeCommitLogs = true
			}

			tracker, err := a.Restore(ctx, when)
			if tracker != nil {
				prog := tracker.Progress()
				logger.Info().
					Int("restored", prog.Materialized).
					Int("failed", prog.Failed).
					Int64("bytes", prog.Bytes).
					Msg("restore completed")
				for _, f := range tracker.Failed() {
					logger.Error().Err(f.Err).Str("key", f.Key).Msg("file not restored")
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Point in time (yyyyMMddHHmm or yyyyMMdd, UTC); defaults to now")
	cmd.Flags().StringVar(&target, "target", "", "Restore target directory")
	cmd.Flags().IntVar(&threads, "threads", 0, "Download workers")
	cmd.Flags().BoolVar(&decrypt, "decrypt", false, "Decrypt and decompress downloaded files")
	cmd.Flags().BoolVar(&commitLogs, "commitlogs", false, "Also restore commit logs uploaded after the snapshot")
	return cmd
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, membership and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, ctx, cancel, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			if err := a.Validate(ctx); err != nil {
				return err
			}
			logger.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts uploaded by this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end time.Time
			var err error
			if from != "" {
				if start, err = artifact.ParseDate(from); err != nil {
					return err
				}
			}
			if to != "" {
				if end, err = artifact.ParseDate(to); err != nil {
					return err
				}
			}
			a, logger, ctx, cancel, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer cancel()
			items, err := a.List(ctx, start, end)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s\t%s\t%d\t%s\n", item.Time.Format(time.RFC3339), item.Type, item.CompressedSize, item.Format())
			}
			logger.Info().Int("count", len(items)).Msg("list completed")
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Earliest artifact time (yyyyMMddHHmm or yyyyMMdd)")
	cmd.Flags().StringVar(&to, "to", "", "Latest artifact time (yyyyMMddHHmm or yyyyMMdd)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}
	cmd.AddCommand(newSealCmd("encrypt", "Encrypt a config file", config.SealFile))
	cmd.AddCommand(newSealCmd("decrypt", "Decrypt a sealed config file", config.OpenFile))
	return cmd
}

func newSealCmd(use, short string, run func(in, out, key string) error) *cobra.Command {
	var input, output, key string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("BSC_CONFIG_KEY")
			}
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key (or BSC_CONFIG_KEY) are required")
			}
			return run(input, output, key)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Input config file")
	cmd.Flags().StringVar(&output, "output", "", "Output config file")
	cmd.Flags().StringVar(&key, "key", "", "32-byte key, base64 or hex (optionally prefixed base64: or hex:)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bsc %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.Region != "" {
		cfg.Node.Region = overrides.Region
	}
	if overrides.Cluster != "" {
		cfg.Node.Cluster = overrides.Cluster
	}
	if overrides.Host != "" {
		cfg.Node.Host = overrides.Host
	}
	if overrides.Token != "" {
		cfg.Node.Token = overrides.Token
	}
	if overrides.DataDir != "" {
		cfg.Node.DataDir = overrides.DataDir
	}

	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.Prefix != "" {
		cfg.Storage.Prefix = overrides.Prefix
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = strings.EqualFold(overrides.S3UseSSL, "true") || overrides.S3UseSSL == "1"
	}
	if overrides.S3PathStyle != "" {
		cfg.Storage.S3.ForcePathStyle = strings.EqualFold(overrides.S3PathStyle, "true") || overrides.S3PathStyle == "1"
	}

	if overrides.Passphrase != "" {
		cfg.Backup.Passphrase = overrides.Passphrase
		cfg.Restore.Passphrase = overrides.Passphrase
	}
}
