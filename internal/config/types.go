package config

import (
	"fmt"
	"sort"
	"time"
)

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig              `mapstructure:"global"`
	Backup        BackupConfig              `mapstructure:"backup"`
	Restore       RestoreConfig             `mapstructure:"restore"`
	Instances     map[string]InstanceConfig `mapstructure:"instances"`
	Notifications NotificationsConfig       `mapstructure:"notifications"`
	Offsite       OffsiteConfig             `mapstructure:"offsite"`
	Schedule      ScheduleConfig            `mapstructure:"schedule"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`  // empty disables locking
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

type BackupConfig struct {
	Root             string        `mapstructure:"root"`
	RetentionCount   int           `mapstructure:"retention_count"`
	MaxRate          string        `mapstructure:"max_rate"`   // pg_basebackup -r value
	Checkpoint       string        `mapstructure:"checkpoint"` // fast or spread
	WorkRoot         string        `mapstructure:"work_root"`  // in-container scratch dir
	FleetPause       time.Duration `mapstructure:"fleet_pause"`
	IncompleteMaxAge time.Duration `mapstructure:"incomplete_max_age"` // 0 disables the sweep
}

type RestoreConfig struct {
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// InstanceConfig describes one managed PostgreSQL container.
type InstanceConfig struct {
	Container string `mapstructure:"container"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	VolumeDir string `mapstructure:"volume_dir"` // host path of the container's data volume
	OwnerUID  int    `mapstructure:"owner_uid"`
	OwnerGID  int    `mapstructure:"owner_gid"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig  `mapstructure:"telegram"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type OffsiteConfig struct {
	Endpoint       string        `mapstructure:"endpoint"` // empty disables the mirror
	Region         string        `mapstructure:"region"`
	Bucket         string        `mapstructure:"bucket"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	SessionToken   string        `mapstructure:"session_token"`
	UseSSL         bool          `mapstructure:"use_ssl"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	Prefix         string        `mapstructure:"prefix"`
	EncryptionKey  string        `mapstructure:"encryption_key"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
	CronTime    string `mapstructure:"cron_time"` // HH:MM for install-backup-cron
	CronLog     string `mapstructure:"cron_log"`
}

// UnknownInstanceError reports a lookup of an instance the config does not define.
type UnknownInstanceError struct {
	Name string
}

func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("unknown instance: %s", e.Name)
}

// Instance resolves a configured instance by name.
func (c *Config) Instance(name string) (InstanceConfig, error) {
	inst, ok := c.Instances[name]
	if !ok {
		return InstanceConfig{}, &UnknownInstanceError{Name: name}
	}
	if inst.Container == "" {
		return InstanceConfig{}, fmt.Errorf("instance %s: container is required", name)
	}
	return inst, nil
}

// InstanceNames returns all configured instance names in stable order.
func (c *Config) InstanceNames() []string {
	names := make([]string, 0, len(c.Instances))
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
