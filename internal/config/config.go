package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Image     ImageConfig
	OCR       OCRConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
	OwnerTable     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	FilesDir string
	CacheDir string
}

type QueueConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Retention         time.Duration
	MaxDepth          int
	JobTimeout        time.Duration
	JanitorInterval   time.Duration

	IngestConcurrency int
	ImageConcurrency  int
	TextConcurrency   int
}

type ImageConfig struct {
	// PixelBudget bounds the total decoded pixels held by concurrent image
	// jobs; a job that cannot reserve its share is retried later.
	PixelBudget int64
	MaxPixels   int64
	BudgetWait  time.Duration
}

type OCRConfig struct {
	Enabled       bool
	TesseractPath string
	PdftoppmPath  string
	Language      string
	// LeaseTTL bounds how long one worker holds the shared OCR lease. It
	// must outlive JOB_TIMEOUT or a second run can start beside a slow one.
	LeaseTTL time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxUpload, err := getEnvInt("MAX_UPLOAD_BYTES", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	queue, err := loadQueue()
	if err != nil {
		return nil, err
	}

	image, err := loadImage()
	if err != nil {
		return nil, err
	}

	ocrEnabled, err := getEnvBool("OCR_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("invalid OCR_ENABLED: %w", err)
	}
	ocrLease, err := getEnvDuration("OCR_LEASE_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid OCR_LEASE_TTL: %w", err)
	}

	rps, err := getEnvFloat("RATE_LIMIT_RPS", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}

	burst, err := getEnvInt("RATE_LIMIT_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			MaxUploadBytes: int64(maxUpload),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
			OwnerTable:     getEnv("OWNER_TABLE", "pages"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Storage: StorageConfig{
			FilesDir: getEnv("FILES_DIR", "/data/files"),
			CacheDir: getEnv("CACHE_DIR", "/data/cache"),
		},
		Queue: queue,
		Image: image,
		OCR: OCRConfig{
			Enabled:       ocrEnabled,
			TesseractPath: getEnv("TESSERACT_PATH", "tesseract"),
			PdftoppmPath:  getEnv("PDFTOPPM_PATH", "pdftoppm"),
			Language:      getEnv("OCR_LANGUAGE", "eng"),
			LeaseTTL:      ocrLease,
		},
		RateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func loadQueue() (QueueConfig, error) {
	var q QueueConfig
	var err error

	if q.MaxAttempts, err = getEnvInt("JOB_MAX_ATTEMPTS", 5); err != nil {
		return q, fmt.Errorf("invalid JOB_MAX_ATTEMPTS: %w", err)
	}
	if q.InitialDelay, err = getEnvDuration("JOB_RETRY_INITIAL_DELAY", 2*time.Second); err != nil {
		return q, fmt.Errorf("invalid JOB_RETRY_INITIAL_DELAY: %w", err)
	}
	if q.BackoffMultiplier, err = getEnvFloat("JOB_RETRY_MULTIPLIER", 2); err != nil {
		return q, fmt.Errorf("invalid JOB_RETRY_MULTIPLIER: %w", err)
	}
	if q.MaxDelay, err = getEnvDuration("JOB_RETRY_MAX_DELAY", 5*time.Minute); err != nil {
		return q, fmt.Errorf("invalid JOB_RETRY_MAX_DELAY: %w", err)
	}
	if q.Retention, err = getEnvDuration("JOB_RETENTION", 72*time.Hour); err != nil {
		return q, fmt.Errorf("invalid JOB_RETENTION: %w", err)
	}
	if q.MaxDepth, err = getEnvInt("QUEUE_MAX_DEPTH", 10000); err != nil {
		return q, fmt.Errorf("invalid QUEUE_MAX_DEPTH: %w", err)
	}
	if q.JobTimeout, err = getEnvDuration("JOB_TIMEOUT", 10*time.Minute); err != nil {
		return q, fmt.Errorf("invalid JOB_TIMEOUT: %w", err)
	}
	if q.JanitorInterval, err = getEnvDuration("JOB_JANITOR_INTERVAL", time.Hour); err != nil {
		return q, fmt.Errorf("invalid JOB_JANITOR_INTERVAL: %w", err)
	}
	if q.IngestConcurrency, err = getEnvInt("INGEST_CONCURRENCY", 4); err != nil {
		return q, fmt.Errorf("invalid INGEST_CONCURRENCY: %w", err)
	}
	if q.ImageConcurrency, err = getEnvInt("IMAGE_CONCURRENCY", 2); err != nil {
		return q, fmt.Errorf("invalid IMAGE_CONCURRENCY: %w", err)
	}
	if q.TextConcurrency, err = getEnvInt("TEXT_CONCURRENCY", 3); err != nil {
		return q, fmt.Errorf("invalid TEXT_CONCURRENCY: %w", err)
	}
	return q, nil
}

func loadImage() (ImageConfig, error) {
	var c ImageConfig

	budget, err := getEnvInt("IMAGE_PIXEL_BUDGET", 200_000_000)
	if err != nil {
		return c, fmt.Errorf("invalid IMAGE_PIXEL_BUDGET: %w", err)
	}
	maxPixels, err := getEnvInt("IMAGE_MAX_PIXELS", 150_000_000)
	if err != nil {
		return c, fmt.Errorf("invalid IMAGE_MAX_PIXELS: %w", err)
	}
	wait, err := getEnvDuration("IMAGE_BUDGET_WAIT", 30*time.Second)
	if err != nil {
		return c, fmt.Errorf("invalid IMAGE_BUDGET_WAIT: %w", err)
	}

	c.PixelBudget = int64(budget)
	c.MaxPixels = int64(maxPixels)
	c.BudgetWait = wait
	return c, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var problems []string
	if c.Database.URL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.Storage.FilesDir == "" || c.Storage.CacheDir == "" {
		problems = append(problems, "FILES_DIR and CACHE_DIR are required")
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "JOB_MAX_ATTEMPTS must be >= 1")
	}
	if c.Queue.BackoffMultiplier < 1 {
		problems = append(problems, "JOB_RETRY_MULTIPLIER must be >= 1")
	}
	if c.Image.MaxPixels > c.Image.PixelBudget {
		problems = append(problems, "IMAGE_MAX_PIXELS must not exceed IMAGE_PIXEL_BUDGET")
	}
	if c.OCR.Enabled && c.OCR.LeaseTTL <= c.Queue.JobTimeout {
		problems = append(problems, "OCR_LEASE_TTL must exceed JOB_TIMEOUT")
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, "MAX_UPLOAD_BYTES must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
