package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	AppEnv     string     `mapstructure:"APP_ENV"`
	AppName    string     `mapstructure:"APP_NAME"`
	Server     Server     `mapstructure:"HTTP_SERVER"`
	Database   Database   `mapstructure:"DATABASE"`
	Redis      Redis      `mapstructure:"REDIS"`
	Orcid      Orcid      `mapstructure:"ORCID"`
	Hub        Hub        `mapstructure:"HUB"`
	Invitation Invitation `mapstructure:"INVITATION"`
	Webhook    Webhook    `mapstructure:"WEBHOOK"`
	Batch      Batch      `mapstructure:"BATCH"`
}

type Server struct {
	Addr         string        `mapstructure:"ADDR"`
	ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
}

type Database struct {
	Host     string `mapstructure:"HOST"`
	Port     string `mapstructure:"PORT"`
	DBName   string `mapstructure:"DBNAME"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	SSLMode  string `mapstructure:"SSLMODE"`
	Timezone string `mapstructure:"TIMEZONE"`
}

type Redis struct {
	Addr        string        `mapstructure:"ADDR"`
	Password    string        `mapstructure:"PASSWORD"`
	DB          int           `mapstructure:"DB"`
	PoolSize    int           `mapstructure:"POOL_SIZE"`
	PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
}

// Orcid locates the remote profile service. APIBaseURL is the member
// activities API, PublicBaseURL the public profile site used in event
// payloads.
type Orcid struct {
	APIBaseURL    string        `mapstructure:"API_BASE_URL"`
	TokenURL      string        `mapstructure:"TOKEN_URL"`
	PublicBaseURL string        `mapstructure:"PUBLIC_BASE_URL"`
	Timeout       time.Duration `mapstructure:"TIMEOUT"`
}

type Hub struct {
	BaseURL     string `mapstructure:"BASE_URL"`
	SecretKey   string `mapstructure:"SECRET_KEY"`
	MailSender  string `mapstructure:"MAIL_SENDER"`
	MailReplyTo string `mapstructure:"MAIL_REPLY_TO"`
}

// Invitation expiries: FirstTTL for a first-time invitee, ResetTTL once
// their records have been reset for another round.
type Invitation struct {
	TTL      time.Duration `mapstructure:"TTL"`
	FirstTTL time.Duration `mapstructure:"FIRST_TTL"`
	ResetTTL time.Duration `mapstructure:"RESET_TTL"`
}

type Webhook struct {
	RetryDelay  time.Duration `mapstructure:"RETRY_DELAY"`
	MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
}

type Batch struct {
	MaxRows      int    `mapstructure:"MAX_ROWS"`
	SyncSchedule string `mapstructure:"SYNC_SCHEDULE"`
}

var Module = fx.Module("config", fx.Provide(Load))

// Load reads config.yaml from the working directory with environment
// variable overrides and fills in engine defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "profilehub"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Orcid.Timeout == 0 {
		cfg.Orcid.Timeout = 30 * time.Second
	}
	if cfg.Invitation.TTL == 0 {
		cfg.Invitation.TTL = 15 * 24 * time.Hour
	}
	if cfg.Invitation.FirstTTL == 0 {
		cfg.Invitation.FirstTTL = 30 * 24 * time.Hour
	}
	if cfg.Invitation.ResetTTL == 0 {
		cfg.Invitation.ResetTTL = 15 * 24 * time.Hour
	}
	if cfg.Webhook.RetryDelay == 0 {
		cfg.Webhook.RetryDelay = 5 * time.Minute
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if cfg.Batch.MaxRows == 0 {
		cfg.Batch.MaxRows = 20
	}
	if cfg.Batch.SyncSchedule == "" {
		cfg.Batch.SyncSchedule = "@every 5m"
	}
	if cfg.Hub.SecretKey == "" {
		cfg.Hub.SecretKey = os.Getenv("HUB_SECRET_KEY")
	}
}
