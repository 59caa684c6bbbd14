package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store
	StoreDriver string // postgres or sqlite
	SQLitePath  string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Telegram
	BotToken           string
	ChatID             int64 // default chat for owners that are not chat ids
	TelegramAPIURL     string
	TelegramRatePerSec float64
	ChatMapFile        string
	ChatMap            ChatMap

	// Scheduling
	DefaultTimezone   string
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	MaxAttempts       int
	BatchSize         int
	WorkerConcurrency int

	// AWS Services
	AWSRegion   string
	SQSQueueURL string // dispatch through SQS when set
	SNSTopicARN string // publish lifecycle events when set
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: "postgres",
		SQLitePath:  "data/remindarr.db",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "remindarr",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		TelegramAPIURL:     "https://api.telegram.org",
		TelegramRatePerSec: 25,

		DefaultTimezone:   "UTC",
		PollInterval:      60 * time.Second,
		LeaseDuration:     60 * time.Second,
		MaxAttempts:       5,
		BatchSize:         50,
		WorkerConcurrency: 4,

		AWSRegion: "us-east-1",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Store
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != "postgres" && driver != "sqlite" {
			return nil, fmt.Errorf("invalid STORE_DRIVER %q: want postgres or sqlite", driver)
		}
		cfg.StoreDriver = driver
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.RedisHost = host // empty disables redis
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Telegram
	if token := os.Getenv("BOT_TOKEN"); token != "" {
		cfg.BotToken = token
	}

	if chat := os.Getenv("CHAT_ID"); chat != "" {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAT_ID: %w", err)
		}
		cfg.ChatID = id
	}

	if url := os.Getenv("TELEGRAM_API_URL"); url != "" {
		cfg.TelegramAPIURL = url
	}

	if rate := os.Getenv("TELEGRAM_RATE_PER_SEC"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid TELEGRAM_RATE_PER_SEC %q", rate)
		}
		cfg.TelegramRatePerSec = r
	}

	if path := os.Getenv("CHAT_MAP_FILE"); path != "" {
		cfg.ChatMapFile = path
		m, err := LoadChatMap(path)
		if err != nil {
			return nil, err
		}
		cfg.ChatMap = m
	}

	// Scheduling
	if tz := os.Getenv("DEFAULT_TIMEZONE"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
		}
		cfg.DefaultTimezone = tz
	}

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := parsePositiveDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if v := os.Getenv("LEASE_DURATION"); v != "" {
		d, err := parsePositiveDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LEASE_DURATION: %w", err)
		}
		cfg.LeaseDuration = d
	}

	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = n
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	return cfg, nil
}

func parsePositiveDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}
