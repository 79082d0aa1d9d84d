package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/schedule"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Delivery  DeliveryConfig
	Auth      AuthConfig
	Lead      schedule.LeadTimes
	Contacts  ContactsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

// DatabaseConfig selects the store: Postgres when PostgresURL is set,
// otherwise the SQLite file at SQLitePath.
type DatabaseConfig struct {
	PostgresURL string
	SQLitePath  string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	Autostart bool
	// ClaimTimeout is how long a claimed message may stay unresolved before
	// it is failed with an unknown outcome.
	ClaimTimeout time.Duration
}

const (
	DeliveryWebhook = "webhook"
	DeliveryKafka   = "kafka"
)

type DeliveryConfig struct {
	Mode         string
	WebhookURL   string
	KafkaBrokers []string
	TopicPrefix  string
	// ContentMax caps sms bodies, in runes.
	ContentMax int
}

type AuthConfig struct {
	SigningKey string
	Issuer     string
	TokenTTL   time.Duration
}

type ContactsConfig struct {
	DefaultCountryCode string
}

type LogConfig struct {
	Level string
}

func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
			SQLitePath:  os.Getenv("SQLITE_PATH"),
		},
		Contacts: ContactsConfig{
			DefaultCountryCode: getEnv("DEFAULT_COUNTRY_CODE", "36"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	var err error
	cfg.Scheduler, err = loadSchedulerConfig()
	collect(err)
	cfg.Redis, err = loadRedisConfig()
	collect(err)
	cfg.Delivery, err = loadDeliveryConfig()
	collect(err)
	cfg.Auth, err = loadAuthConfig()
	collect(err)
	cfg.Lead, err = loadLeadTimes()
	collect(err)

	if len(errs) == 0 {
		collect(validate(cfg))
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSchedulerConfig() (SchedulerConfig, error) {
	interval, err1 := getEnvInt("SCHED_INTERVAL_SECONDS", 30)
	batch, err2 := getEnvInt("SCHED_BATCH_SIZE", 10)
	claim, err3 := getEnvInt("SCHED_CLAIM_TIMEOUT_SECONDS", 300)
	return SchedulerConfig{
		Interval:     time.Duration(interval) * time.Second,
		BatchSize:    batch,
		Autostart:    getEnv("SCHED_AUTOSTART", "true") != "false",
		ClaimTimeout: time.Duration(claim) * time.Second,
	}, joinErrors([]error{err1, err2, err3})
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err1 := getEnvInt("REDIS_DB", 0)
	ttl, err2 := getEnvInt("REDIS_TTL_SECONDS", 300)
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors([]error{err1, err2})
}

func loadDeliveryConfig() (DeliveryConfig, error) {
	contentMax, err := getEnvInt("CONTENT_MAX", 160)
	d := DeliveryConfig{
		Mode:        strings.ToLower(getEnv("DELIVERY_MODE", DeliveryWebhook)),
		TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "dispatch"),
		ContentMax:  contentMax,
	}
	if err != nil {
		return d, err
	}

	switch d.Mode {
	case DeliveryWebhook:
		d.WebhookURL, err = requireEnv("WEBHOOK_URL")
	case DeliveryKafka:
		var raw string
		raw, err = requireEnv("KAFKA_BROKERS")
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				d.KafkaBrokers = append(d.KafkaBrokers, b)
			}
		}
	default:
		err = fmt.Errorf("DELIVERY_MODE must be %q or %q, got %q", DeliveryWebhook, DeliveryKafka, d.Mode)
	}
	return d, err
}

func loadAuthConfig() (AuthConfig, error) {
	key, err1 := requireEnv("JWT_SIGNING_KEY")
	ttl, err2 := getEnvInt("JWT_TTL_MINUTES", 60)
	return AuthConfig{
		SigningKey: key,
		Issuer:     getEnv("JWT_ISSUER", "dispatchd"),
		TokenTTL:   time.Duration(ttl) * time.Minute,
	}, joinErrors([]error{err1, err2})
}

// loadLeadTimes reads LEAD_<CHANNEL>_CREATE_MINUTES and
// LEAD_<CHANNEL>_EDIT_MINUTES, defaulting every channel to
// schedule.DefaultPolicy.
func loadLeadTimes() (schedule.LeadTimes, error) {
	lt := schedule.DefaultLeadTimes()
	var errs []error
	for _, ch := range model.Channels {
		prefix := "LEAD_" + strings.ToUpper(string(ch))
		p := lt[ch]

		create, err := getEnvInt(prefix+"_CREATE_MINUTES", int(p.Create/time.Minute))
		errs = append(errs, err)
		edit, err := getEnvInt(prefix+"_EDIT_MINUTES", int(p.Edit/time.Minute))
		errs = append(errs, err)

		lt[ch] = schedule.LeadPolicy{
			Create: time.Duration(create) * time.Minute,
			Edit:   time.Duration(edit) * time.Minute,
		}
	}
	return lt, joinErrors(errs)
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Database.PostgresURL == "" && cfg.Database.SQLitePath == "" {
		errs = append(errs, errors.New("one of POSTGRES_URL or SQLITE_PATH must be set"))
	}
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.ClaimTimeout <= cfg.Scheduler.Interval {
		errs = append(errs, errors.New("SCHED_CLAIM_TIMEOUT_SECONDS must exceed SCHED_INTERVAL_SECONDS"))
	}
	if cfg.Delivery.ContentMax <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL_MINUTES must be > 0"))
	}
	for ch, p := range cfg.Lead {
		if p.Create < 0 || p.Edit < 0 {
			errs = append(errs, fmt.Errorf("LEAD_%s_* must be >= 0", strings.ToUpper(string(ch))))
		}
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

// joinErrors returns nil when every element is nil.
func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
