package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendGridFS = "gridfs"
	BackendMinio  = "minio"
	BackendMemory = "memory"

	minJWTSecretLength = 32
)

type Config struct {
	HTTPPort string

	MongoURI             string
	MongoDatabase        string
	MongoTasksCollection string
	GridFSBucket         string
	GridFSChunkSize      int32

	BlobBackend    string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string

	MaxFileSizeBytes   int64
	MaxFilesPerRequest int
	UploadConcurrency  int

	JWTSecret      string
	AuthCookieName string
	RedisAddr      string
	RedisPassword  string

	KafkaBrokers []string
	KafkaTopic   string

	RateLimitRequests  int
	RateLimitWindow    time.Duration
	AllowedCORSOrigins []string

	SweepInterval    time.Duration
	SweepGracePeriod time.Duration

	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	LogMode string
}

func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		HTTPPort:             getEnv("HTTP_PORT", "8082"),
		MongoURI:             getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:        getEnv("MONGODB_DATABASE", "taskmanager"),
		MongoTasksCollection: getEnv("MONGODB_TASKS_COLLECTION", "tasks"),
		GridFSBucket:         getEnv("GRIDFS_BUCKET", "uploads"),
		GridFSChunkSize:      int32(getEnvInt("GRIDFS_CHUNK_SIZE", 255*1024)),
		BlobBackend:          strings.ToLower(getEnv("BLOB_BACKEND", BackendGridFS)),
		MinioEndpoint:        os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:       os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:       os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:          getEnvBool("MINIO_USE_SSL", false),
		MinioBucket:          getEnv("MINIO_BUCKET", "uploads"),
		MaxFileSizeBytes:     getEnvInt64("MAX_FILE_SIZE", 20*1024*1024),
		MaxFilesPerRequest:   getEnvInt("MAX_FILES_PER_REQUEST", 10),
		UploadConcurrency:    getEnvInt("UPLOAD_CONCURRENCY", 4),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AuthCookieName:       getEnv("AUTH_COOKIE_NAME", "token"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:         parseCSVEnv("KAFKA_BROKERS"),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "task-files"),
		RateLimitRequests:    getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:      getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		AllowedCORSOrigins:   parseCSVEnv("ALLOWED_ORIGINS"),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Hour),
		SweepGracePeriod:     getEnvDuration("SWEEP_GRACE_PERIOD", 15*time.Minute),
		ReadTimeout:          getEnvDuration("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:         getEnvDuration("WRITE_TIMEOUT", 10*time.Minute),
		IdleTimeout:          getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownGracePeriod:  getEnvDuration("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		LogMode:              getEnv("LOG_MODE", "production"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters long", minJWTSecretLength)
	}
	switch c.BlobBackend {
	case BackendGridFS, BackendMemory:
	case BackendMinio:
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for minio backend")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.GridFSChunkSize <= 0 {
		return fmt.Errorf("GRIDFS_CHUNK_SIZE must be positive")
	}
	if c.MaxFilesPerRequest <= 0 {
		return fmt.Errorf("MAX_FILES_PER_REQUEST must be positive")
	}
	if c.SweepInterval > 0 && c.SweepGracePeriod <= 0 {
		return fmt.Errorf("SWEEP_GRACE_PERIOD must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
