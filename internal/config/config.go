package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Sites      []SiteConfig     `mapstructure:"sites"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Bulk       BulkConfig       `mapstructure:"bulk"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// SupervisorConfig bounds the worker pool.
type SupervisorConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
	ReapAfter        time.Duration `mapstructure:"reap_after"`
	LogBufferSize    int           `mapstructure:"log_buffer_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// WorkerConfig describes the opaque export program.
type WorkerConfig struct {
	Program          string   `mapstructure:"program"`
	Args             []string `mapstructure:"args"`
	Env              []string `mapstructure:"env"`
	WorkDir          string   `mapstructure:"work_dir"`
	ExtraArgsPattern string   `mapstructure:"extra_args_pattern"`
}

// SiteConfig is one allow-listed export target.
type SiteConfig struct {
	Name        string   `mapstructure:"name"`
	DisplayName string   `mapstructure:"display_name"`
	ExportDir   string   `mapstructure:"export_dir"`
	Artifacts   []string `mapstructure:"artifacts"`
	Args        []string `mapstructure:"args"`
	Env         []string `mapstructure:"env"`
}

type QueueConfig struct {
	// SweepSchedule is a cron spec for replaying queued requests, e.g. "@every 30s".
	// Empty disables the periodic sweep; replay then only happens on job completion.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

type BulkConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	ArchiveTimeout   time.Duration `mapstructure:"archive_timeout"`
}

type ArchiveConfig struct {
	Dir       string `mapstructure:"dir"`
	Upload    bool   `mapstructure:"upload"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // r2, s3, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Sensitive values come from the environment
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("webhook.url", "BULK_WEBHOOK_URL")
	v.BindEnv("worker.program", "WORKER_PROGRAM")
	v.BindEnv("supervisor.max_concurrent", "MAX_CONCURRENT_EXPORTS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("supervisor.max_concurrent", 4)
	v.SetDefault("supervisor.timeout", 60*time.Minute)
	v.SetDefault("supervisor.kill_grace", 10*time.Second)
	v.SetDefault("supervisor.reap_after", 24*time.Hour)
	v.SetDefault("supervisor.log_buffer_size", 2048)
	v.SetDefault("supervisor.subscriber_buffer", 256)

	v.SetDefault("worker.program", "site-export-worker")
	v.SetDefault("worker.extra_args_pattern", `^--[a-z][a-z0-9-]*(=[A-Za-z0-9._:/,@+-]*)?$`)

	v.SetDefault("queue.sweep_schedule", "@every 30s")
	v.SetDefault("bulk.snapshot_interval", 250*time.Millisecond)
	v.SetDefault("bulk.archive_timeout", 10*time.Minute)

	v.SetDefault("archive.dir", "./data/archives")
	v.SetDefault("archive.upload", false)
	v.SetDefault("archive.key_prefix", "bulk-runs")

	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.retry_count", 2)
}

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	if c.Supervisor.MaxConcurrent <= 0 {
		return fmt.Errorf("supervisor.max_concurrent must be positive, got %d", c.Supervisor.MaxConcurrent)
	}
	if c.Supervisor.LogBufferSize <= 0 {
		return fmt.Errorf("supervisor.log_buffer_size must be positive, got %d", c.Supervisor.LogBufferSize)
	}
	if strings.TrimSpace(c.Worker.Program) == "" {
		return fmt.Errorf("worker.program is required")
	}
	seen := make(map[string]bool, len(c.Sites))
	for i, s := range c.Sites {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("sites[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	if c.Archive.Upload && c.Storage.Bucket == "" {
		return fmt.Errorf("archive.upload requires storage.bucket")
	}
	return nil
}
