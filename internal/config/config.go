package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string
	// SeedAdminPassword creates an "admin" account when the memory driver is
	// used. Ignored for postgres.
	SeedAdminPassword string
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	StreamMaxLen int64
	Group        string
	Consumer     string
}

type QueueConfig struct {
	ClaimInterval time.Duration
	Block         time.Duration
}

type StorageConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	MailBucket string
	UseSSL     bool
	Region     string
}

type MailConfig struct {
	// Driver is "log", "smtp" or "bucket".
	Driver       string
	From         string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	// ResetURL is the front-end page that receives ?token=.
	ResetURL    string
	MaxAttempts uint64
}

type SecurityConfig struct {
	JWTAccessSecret   string
	JWTRefreshSecret  string
	JWTAccessTTL      time.Duration
	JWTRefreshTTL     time.Duration
	Issuer            string
	MaxSessions       int
	ResetTokenTTL     time.Duration
	APITokenCap       int
	APITokenRetention time.Duration
	Argon2Time        uint32
	Argon2MemoryKiB   uint32
	Argon2Threads     uint8
	LoginRateLimit    int
	LoginRateWindow   time.Duration
	ForgotRateLimit   int
	ForgotRateWindow  time.Duration
}

type JobsConfig struct {
	Enabled     bool
	CleanupSpec string
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Database         DatabaseConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Queue            QueueConfig
	Storage          StorageConfig
	Mail             MailConfig
	Security         SecurityConfig
	Jobs             JobsConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("NOTEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the auth core cannot run safely with.
func (c *AppConfig) Validate() error {
	var problems []string
	sec := c.Security

	if sec.JWTAccessSecret == "" || sec.JWTRefreshSecret == "" {
		problems = append(problems, "security.jwtaccesssecret and security.jwtrefreshsecret are required")
	} else if sec.JWTAccessSecret == sec.JWTRefreshSecret {
		problems = append(problems, "access and refresh secrets must differ")
	}
	if sec.JWTAccessTTL <= 0 || sec.JWTRefreshTTL <= 0 || sec.ResetTokenTTL <= 0 {
		problems = append(problems, "token ttls must be positive")
	}
	if sec.JWTRefreshTTL > 0 && sec.JWTAccessTTL > sec.JWTRefreshTTL {
		problems = append(problems, "access ttl must not exceed refresh ttl")
	}
	if sec.APITokenCap < 1 {
		problems = append(problems, "security.apitokencap must be at least 1")
	}
	if sec.MaxSessions < 1 {
		problems = append(problems, "security.maxsessions must be at least 1")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Postgres.DSN == "" {
			problems = append(problems, "postgres.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Mail.Driver {
	case "log", "bucket":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			problems = append(problems, "mail.smtphost is required for the smtp driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mail.driver %q", c.Mail.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.seedadminpassword", "")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "auth:tasks")
	v.SetDefault("redis.streammaxlen", 10000)
	v.SetDefault("redis.group", "auth-workers")
	v.SetDefault("redis.consumer", "worker-1")

	v.SetDefault("queue.claiminterval", "30s")
	v.SetDefault("queue.block", "5s")

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.mailbucket", "notehub-outbound-mail")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("mail.driver", "log")
	v.SetDefault("mail.from", "NoteHub <no-reply@notehub.local>")
	v.SetDefault("mail.smtphost", "")
	v.SetDefault("mail.smtpport", 587)
	v.SetDefault("mail.smtpusername", "")
	v.SetDefault("mail.smtppassword", "")
	v.SetDefault("mail.reseturl", "http://localhost:3000/reset-password")
	v.SetDefault("mail.maxattempts", 5)

	v.SetDefault("security.jwtaccesssecret", "")
	v.SetDefault("security.jwtrefreshsecret", "")
	v.SetDefault("security.jwtaccessttl", "1h")
	v.SetDefault("security.jwtrefreshttl", "168h") // 7 days
	v.SetDefault("security.issuer", "notehub")
	v.SetDefault("security.maxsessions", 10)
	v.SetDefault("security.resettokenttl", "1h")
	v.SetDefault("security.apitokencap", 20)
	v.SetDefault("security.apitokenretention", "720h")
	v.SetDefault("security.argon2time", 3)
	v.SetDefault("security.argon2memorykib", 64*1024)
	v.SetDefault("security.argon2threads", 2)
	v.SetDefault("security.loginratelimit", 10)
	v.SetDefault("security.loginratewindow", "1m")
	v.SetDefault("security.forgotratelimit", 5)
	v.SetDefault("security.forgotratewindow", "15m")

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.cleanupspec", "0 */15 * * * *")

	// Blank leaves the level to the environment.
	v.SetDefault("logging.level", "")

	v.SetDefault("allowcorsorigins", []string{})
}
