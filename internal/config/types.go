package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Node          NodeConfig          `mapstructure:"node"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Membership    MembershipConfig    `mapstructure:"membership"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

// NodeConfig identifies the node whose files are backed up. Region, cluster,
// host and token become segments of every remote key.
type NodeConfig struct {
	Region       string `mapstructure:"region"`
	Cluster      string `mapstructure:"cluster"`
	Host         string `mapstructure:"host"`
	Token        string `mapstructure:"token"`
	DataDir      string `mapstructure:"data_dir"`
	CommitLogDir string `mapstructure:"commitlog_dir"`
}

type BackupConfig struct {
	Compression          string        `mapstructure:"compression"` // none, gzip, zstd, snappy
	Encryption           bool          `mapstructure:"encryption"`
	Passphrase           string        `mapstructure:"passphrase"`
	RetryCount           int           `mapstructure:"retry_count"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	UploadThreads        int           `mapstructure:"upload_threads"`
	UploadBytesPerSecond int           `mapstructure:"upload_bytes_per_second"`
	MetaTempDir          string        `mapstructure:"meta_temp_dir"`
	SnapshotTag          string        `mapstructure:"snapshot_tag"`
}

type RestoreConfig struct {
	TargetDir         string        `mapstructure:"target_dir"`
	DownloadThreads   int           `mapstructure:"download_threads"`
	RetryCount        int           `mapstructure:"retry_count"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	Decrypt           bool          `mapstructure:"decrypt"`
	Passphrase        string        `mapstructure:"passphrase"`
	Compression       string        `mapstructure:"compression"`
	IncludeCommitLogs bool          `mapstructure:"include_commitlogs"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}

// MembershipConfig lists the instances known to be live. With DualAccount
// the cross-account list is merged into the local one.
type MembershipConfig struct {
	Instances    []string `mapstructure:"instances"`
	CrossAccount []string `mapstructure:"cross_account"`
	DualAccount  bool     `mapstructure:"dual_account"`
}
