package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "BSC"
	keyEnv    = "BSC_CONFIG_KEY"
	pathEnv   = "BSC_CONFIG"
)

var sealedSuffixes = []string{".enc", ".encrypted"}

// Load reads configuration from a file, env vars and defaults. A file whose
// name ends in .enc or .encrypted is opened with BSC_CONFIG_KEY first.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved := resolveConfigPath(path)
	if resolved != "" {
		if err := readInto(vp, resolved); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func readInto(vp *viper.Viper, path string) error {
	plainPath, sealed := trimSealed(path)
	if !sealed {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		key = vp.GetString("global.config_passphrase")
	}
	if key == "" {
		return fmt.Errorf("config file is encrypted but %s is not set", keyEnv)
	}
	plain, err := openWith(data, key)
	if err != nil {
		return err
	}
	vp.SetConfigType(configType(plainPath))
	if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// resolveConfigPath returns the explicit path, then BSC_CONFIG, then the first
// bsc.* file found in the working directory or the user config directory.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv(pathEnv); envPath != "" {
		return envPath
	}

	dirs := []string{"."}
	if configDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(configDir, "bsc"))
	}
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml", ".toml", ".json"} {
			for _, suffix := range append([]string{""}, sealedSuffixes...) {
				p := filepath.Join(dir, "bsc"+ext+suffix)
				if _, err := os.Stat(p); err == nil {
					return p
				}
			}
		}
	}
	return ""
}

func trimSealed(path string) (string, bool) {
	for _, suffix := range sealedSuffixes {
		if trimmed, ok := strings.CutSuffix(path, suffix); ok {
			return trimmed, true
		}
	}
	return path, false
}

func configType(path string) string {
	switch ext := strings.TrimPrefix(filepath.Ext(path), "."); ext {
	case "toml", "json":
		return ext
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("node.region", "local")
	vp.SetDefault("node.cluster", "default")
	vp.SetDefault("node.token", "0")
	vp.SetDefault("node.data_dir", "/var/lib/cassandra/data")
	vp.SetDefault("node.commitlog_dir", "/var/lib/cassandra/commitlog")
	vp.SetDefault("backup.compression", "snappy")
	vp.SetDefault("backup.retry_count", 3)
	vp.SetDefault("backup.retry_backoff", "100ms")
	vp.SetDefault("backup.upload_threads", 4)
	vp.SetDefault("restore.download_threads", 4)
	vp.SetDefault("restore.retry_count", 5)
	vp.SetDefault("restore.retry_backoff", "1s")
	vp.SetDefault("restore.compression", "snappy")
	vp.SetDefault("restore.target_dir", "./restore")
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./backups")
	vp.SetDefault("storage.prefix", "backup")
	vp.SetDefault("schedule.timezone", "")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Backup.RetryCount < 1 {
		cfg.Backup.RetryCount = 1
	}
	if cfg.Backup.RetryBackoff == 0 {
		cfg.Backup.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Backup.UploadThreads < 1 {
		cfg.Backup.UploadThreads = 1
	}
	if cfg.Backup.MetaTempDir == "" {
		cfg.Backup.MetaTempDir = filepath.Join(os.TempDir(), "bsc")
	}
	if cfg.Restore.RetryCount < 1 {
		cfg.Restore.RetryCount = 1
	}
	if cfg.Restore.DownloadThreads < 1 {
		cfg.Restore.DownloadThreads = 1
	}
	if cfg.Restore.Passphrase == "" {
		cfg.Restore.Passphrase = cfg.Backup.Passphrase
	}
	if cfg.Node.Host == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.Host = host
		}
	}
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
}

func expandEnv(cfg *Config) {
	cfg.Backup.Passphrase = os.ExpandEnv(cfg.Backup.Passphrase)
	cfg.Restore.Passphrase = os.ExpandEnv(cfg.Restore.Passphrase)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}
