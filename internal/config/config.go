package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	EnableAPI      bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorkers  bool `envconfig:"ENABLE_WORKERS" default:"true"`
	EnableScanners bool `envconfig:"ENABLE_SCANNERS" default:"true"`
	EnablePprof    bool `envconfig:"ENABLE_PPROF" default:"false"`

	// Dispatch queue
	RedisURL          string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	QueueKey          string        `envconfig:"QUEUE_KEY" default:"jobs"`
	DeadLetterKey     string        `envconfig:"DEAD_LETTER_KEY" default:"jobs:dead"`
	Workers           int           `envconfig:"WORKERS" default:"4"`
	DequeueTimeout    time.Duration `envconfig:"DEQUEUE_TIMEOUT" default:"5s"`
	QueueErrorBackoff time.Duration `envconfig:"QUEUE_ERROR_BACKOFF" default:"1s"`
	JobTimeout        time.Duration `envconfig:"JOB_TIMEOUT" default:"30s"`

	// Eligibility store
	DBDriver      string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN         string `envconfig:"DB_DSN" default:"file:healthq.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"true"`

	// Scanners. An empty schedule disables that scanner.
	ScheduleTimezone     string        `envconfig:"SCHEDULE_TIMEZONE" default:"UTC"`
	WeeklySchedule       string        `envconfig:"WEEKLY_SCHEDULE" default:"0 9 * * MON"`
	MonthlySchedule      string        `envconfig:"MONTHLY_SCHEDULE"`
	YearlySchedule       string        `envconfig:"YEARLY_SCHEDULE" default:"0 9 1 1 *"`
	MonthlyQueueSchedule string        `envconfig:"MONTHLY_QUEUE_SCHEDULE" default:"@every 5m"`
	WindowGrace          time.Duration `envconfig:"WINDOW_GRACE" default:"5m"`
	ScanBatchSize        int           `envconfig:"SCAN_BATCH_SIZE" default:"1000"`

	// Email delivery
	MailProvider  string `envconfig:"MAIL_PROVIDER" default:"log"`
	MailFrom      string `envconfig:"MAIL_FROM" default:"Healthq <no-reply@healthq.local>"`
	MailgunDomain string `envconfig:"MAILGUN_DOMAIN"`
	MailgunAPIKey string `envconfig:"MAILGUN_API_KEY"`
	MailHTTPURL   string `envconfig:"MAIL_HTTP_URL"`
	MailHTTPToken string `envconfig:"MAIL_HTTP_TOKEN"`
	AppBaseURL    string `envconfig:"APP_BASE_URL" default:"http://localhost:3000"`
}

// Load reads the given env files (missing files are ignored) and then the
// process environment.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	// A monthly window schedule replaces the default monthly queue scanner
	// unless MONTHLY_QUEUE_SCHEDULE is set explicitly.
	if _, set := os.LookupEnv("MONTHLY_QUEUE_SCHEDULE"); cfg.MonthlySchedule != "" && !set {
		cfg.MonthlyQueueSchedule = ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("%w: REDIS_URL", ErrMissingRequired)
	}
	if c.QueueKey == "" {
		return fmt.Errorf("%w: QUEUE_KEY", ErrMissingRequired)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("%w: DB_DSN", ErrMissingRequired)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: WORKERS must be positive, got %d", ErrInvalid, c.Workers)
	}
	if c.DequeueTimeout < time.Second {
		return fmt.Errorf("%w: DEQUEUE_TIMEOUT must be at least 1s", ErrInvalid)
	}
	if c.ScanBatchSize < 1 {
		return fmt.Errorf("%w: SCAN_BATCH_SIZE must be positive", ErrInvalid)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: DB_DRIVER %q", ErrInvalid, c.DBDriver)
	}

	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		return fmt.Errorf("%w: SCHEDULE_TIMEZONE: %v", ErrInvalid, err)
	}
	for _, s := range []struct{ key, expr string }{
		{"WEEKLY_SCHEDULE", c.WeeklySchedule},
		{"MONTHLY_SCHEDULE", c.MonthlySchedule},
		{"YEARLY_SCHEDULE", c.YearlySchedule},
		{"MONTHLY_QUEUE_SCHEDULE", c.MonthlyQueueSchedule},
	} {
		if s.expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(s.expr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, s.key, err)
		}
	}
	// Both would drain monthly_recap_queue concurrently.
	if c.MonthlySchedule != "" && c.MonthlyQueueSchedule != "" {
		return fmt.Errorf("%w: MONTHLY_SCHEDULE and MONTHLY_QUEUE_SCHEDULE are mutually exclusive; set MONTHLY_QUEUE_SCHEDULE= to disable the queue scanner", ErrInvalid)
	}

	switch c.MailProvider {
	case "log":
	case "mailgun":
		if c.MailgunDomain == "" {
			return fmt.Errorf("%w: MAILGUN_DOMAIN", ErrMissingRequired)
		}
		if c.MailgunAPIKey == "" {
			return fmt.Errorf("%w: MAILGUN_API_KEY", ErrMissingRequired)
		}
	case "http":
		if c.MailHTTPURL == "" {
			return fmt.Errorf("%w: MAIL_HTTP_URL", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: MAIL_PROVIDER %q", ErrInvalid, c.MailProvider)
	}
	if c.MailFrom == "" {
		return fmt.Errorf("%w: MAIL_FROM", ErrMissingRequired)
	}
	return nil
}
