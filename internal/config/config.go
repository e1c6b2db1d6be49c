package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {

	// ====================================================================
	// Service identity / logging
	// ====================================================================

	ServiceName string // appears as "service" on every log line
	InstanceID  string // hostname, random hex when unavailable
	LogLevel    string // zerolog level name (debug, info, warn, ...)
	LogPretty   bool   // console writer instead of JSON
	LogSampleN  uint32 // keep 1/N of debug/info lines; 0 or 1 keeps all

	// ====================================================================
	// HTTP / storage
	// ====================================================================

	HTTPAddr    string // bind address, e.g. ":8080"
	DBPath      string // SQLite file holding sessions, surveys and tracking logs
	MaxBodySize int64  // max bytes of a single request body (after decompression)

	// ====================================================================
	// Archive pipeline (tracking records -> gzip JSONL -> S3)
	// ====================================================================

	ArchiveEnabled bool
	ChannelSize    int           // RecordCh buffer
	UploadQueue    int           // uploadCh buffer
	BatchSize      int           // records per archive object
	FlushInterval  time.Duration // time-based flush

	AWSRegion string
	RawBucket string
	RawPrefix string // prefix for valid archive objects
	DLQPrefix string // prefix for objects that failed validation

	S3Timeout    time.Duration // per PutObject attempt
	S3AppRetries int           // application-level attempts (SDK retries are disabled)

	DLQDir          string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64
}

// Load reads the configuration from the process environment and exits on
// a missing or malformed value.
func Load() Config {
	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// FromEnv builds a Config from getenv. Archive keys are only required when
// ARCHIVE_ENABLED is true.
func FromEnv(getenv func(string) string) (Config, error) {
	l := loader{getenv: getenv}

	cfg := Config{
		ServiceName: l.str("SERVICE_NAME", "studytrace"),
		InstanceID:  fallbackInstanceID(),
		LogLevel:    l.str("LOG_LEVEL", "info"),
		LogPretty:   l.boolean("LOG_PRETTY", false),
		LogSampleN:  uint32(l.integer("LOG_SAMPLE_N", 0)),

		HTTPAddr:    l.str("HTTP_ADDR", ":8080"),
		DBPath:      l.str("DB_PATH", "studytrace.db"),
		MaxBodySize: l.integer64("MAX_BODY_SIZE", 8<<20),

		ArchiveEnabled: l.boolean("ARCHIVE_ENABLED", false),
		ChannelSize:    l.integer("CHANNEL_SIZE", 1024),
		UploadQueue:    l.integer("UPLOAD_QUEUE", 16),
		BatchSize:      l.integer("BATCH_SIZE", 100),
		FlushInterval:  l.duration("FLUSH_INTERVAL", 30*time.Second),

		S3Timeout:    l.duration("S3_TIMEOUT", 10*time.Second),
		S3AppRetries: l.integer("S3_APP_RETRIES", 3),

		DLQDir:          l.str("DLQ_DIR", "dlq"),
		DLQMaxAge:       l.duration("DLQ_MAX_AGE", 72*time.Hour),
		DLQMaxSizeBytes: l.integer64("DLQ_MAX_SIZE_BYTES", 512<<20),
	}

	if cfg.ArchiveEnabled {
		cfg.AWSRegion = l.must("AWS_REGION")
		cfg.RawBucket = l.must("RAW_BUCKET")
		cfg.RawPrefix = l.must("RAW_PREFIX")
		cfg.DLQPrefix = l.must("DLQ_PREFIX")
	}

	if l.err != nil {
		return Config{}, l.err
	}
	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxBodySize <= 0 {
		return Config{}, fmt.Errorf("MAX_BODY_SIZE must be positive, got %d", cfg.MaxBodySize)
	}
	return cfg, nil
}

// loader keeps the first parse error so FromEnv reads as a flat list.
type loader struct {
	getenv func(string) string
	err    error
}

func (l *loader) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *loader) must(key string) string {
	v := l.getenv(key)
	if v == "" {
		l.fail(fmt.Errorf("missing required env: %s", key))
	}
	return v
}

func (l *loader) str(key, def string) string {
	if v := l.getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid int env %s=%q: %w", key, v, err))
		return def
	}
	return n
}

func (l *loader) integer64(key string, def int64) int64 {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.fail(fmt.Errorf("invalid int64 env %s=%q: %w", key, v, err))
		return def
	}
	return n
}

func (l *loader) boolean(key string, def bool) bool {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid bool env %s=%q: %w", key, v, err))
		return def
	}
	return b
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid duration env %s=%q: %w", key, v, err))
		return def
	}
	return d
}

func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
