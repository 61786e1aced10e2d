package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/emuops/pgback/internal/cryptoutil"
)

const (
	envPrefix = "PGBACK"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			if typ := configTypeFromPath(resolved); typ != "" {
				vp.SetConfigType(typ)
			}
			key := os.Getenv("PGBACK_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but PGBACK_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
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

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("PGBACK_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"pgback.yaml",
		"pgback.yml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	dirs := []string{"/etc/pgback"}
	if configDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(configDir, "pgback"))
	}
	for _, dir := range dirs {
		for _, c := range candidates {
			p := filepath.Join(dir, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"pgback.yaml.enc", "pgback.yml.enc"} {
			p := filepath.Join(dir, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("backup.root", "./backups")
	vp.SetDefault("backup.retention_count", 3)
	vp.SetDefault("backup.max_rate", "50M")
	vp.SetDefault("backup.checkpoint", "fast")
	vp.SetDefault("backup.work_root", "/tmp")
	vp.SetDefault("backup.fleet_pause", "5s")
	vp.SetDefault("restore.stop_timeout", "30s")
	vp.SetDefault("restore.ready_timeout", "60s")
	vp.SetDefault("restore.poll_interval", "1s")
	vp.SetDefault("offsite.use_ssl", true)
	vp.SetDefault("offsite.prefix", "pgback")
	vp.SetDefault("offsite.retry_count", 3)
	vp.SetDefault("offsite.retry_backoff", "5s")
	vp.SetDefault("schedule.timezone", "")
	vp.SetDefault("schedule.cron_time", "03:00")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
	if cfg.Backup.RetentionCount <= 0 {
		cfg.Backup.RetentionCount = 3
	}
	if cfg.Backup.WorkRoot == "" {
		cfg.Backup.WorkRoot = "/tmp"
	}
	if cfg.Restore.StopTimeout == 0 {
		cfg.Restore.StopTimeout = 30 * time.Second
	}
	if cfg.Restore.ReadyTimeout == 0 {
		cfg.Restore.ReadyTimeout = 60 * time.Second
	}
	if cfg.Restore.PollInterval == 0 {
		cfg.Restore.PollInterval = time.Second
	}
	if cfg.Offsite.RetryCount <= 0 {
		cfg.Offsite.RetryCount = 3
	}
	if cfg.Offsite.RetryBackoff == 0 {
		cfg.Offsite.RetryBackoff = 5 * time.Second
	}
	for name, inst := range cfg.Instances {
		if inst.User == "" {
			inst.User = "postgres"
		}
		if inst.OwnerUID == 0 {
			inst.OwnerUID = 999
		}
		if inst.OwnerGID == 0 {
			inst.OwnerGID = 999
		}
		cfg.Instances[name] = inst
	}
}

func expandEnv(cfg *Config) {
	cfg.Notifications.Telegram.BotToken = os.ExpandEnv(cfg.Notifications.Telegram.BotToken)
	cfg.Notifications.Telegram.ChatID = os.ExpandEnv(cfg.Notifications.Telegram.ChatID)
	for i := range cfg.Notifications.Webhooks {
		cfg.Notifications.Webhooks[i].URL = os.ExpandEnv(cfg.Notifications.Webhooks[i].URL)
	}
	cfg.Offsite.AccessKey = os.ExpandEnv(cfg.Offsite.AccessKey)
	cfg.Offsite.SecretKey = os.ExpandEnv(cfg.Offsite.SecretKey)
	cfg.Offsite.SessionToken = os.ExpandEnv(cfg.Offsite.SessionToken)
	cfg.Offsite.EncryptionKey = os.ExpandEnv(cfg.Offsite.EncryptionKey)
	for name, inst := range cfg.Instances {
		inst.User = os.ExpandEnv(inst.User)
		inst.Password = os.ExpandEnv(inst.Password)
		inst.VolumeDir = os.ExpandEnv(inst.VolumeDir)
		cfg.Instances[name] = inst
	}
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
