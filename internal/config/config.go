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
	Server  ServerConfig
	Storage StorageConfig
	Vector  VectorConfig
	Blob    BlobConfig
	Redis   RedisConfig
	Ollama  OllamaConfig
	Ingest  IngestConfig
	Query   QueryConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port  int
	Token string // optional bearer token; empty disables auth
}

type StorageConfig struct {
	DataDir string
}

// VectorConfig selects the vector store backend. "sqlite" shares the data
// dir database; "postgres" requires URL and a pgvector-enabled server.
type VectorConfig struct {
	Backend  string
	URL      string
	EmbedDim int
}

// BlobConfig selects the blob store backend. "fs" stores objects under
// Dir; "s3" targets an S3-compatible endpoint (MinIO works).
type BlobConfig struct {
	Backend   string
	Dir       string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type OllamaConfig struct {
	BaseURL     string
	VisionModel string
	EmbedModel  string
	AnswerModel string
}

type IngestConfig struct {
	MaxUploadBytes int64
	AcceptedTypes  []string
	Workers        int
	MaxAttempts    int
	PollInterval   time.Duration
	CallTimeout    time.Duration
	EmbeddingTTL   time.Duration
}

type QueryConfig struct {
	TopK          int
	ResultTTL     time.Duration
	SearchTimeout time.Duration
	CallTimeout   time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Vector: VectorConfig{
			Backend:  "sqlite",
			EmbedDim: 768,
		},
		Blob: BlobConfig{
			Backend: "fs",
			Region:  "us-east-1",
			Bucket:  "lenslog-images",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			VisionModel: "llama3.2-vision:11b",
			EmbedModel:  "nomic-embed-text",
			AnswerModel: "llama3.2",
		},
		Ingest: IngestConfig{
			MaxUploadBytes: 20 << 20,
			AcceptedTypes:  []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
			Workers:        4,
			MaxAttempts:    3,
			PollInterval:   500 * time.Millisecond,
			CallTimeout:    60 * time.Second,
			EmbeddingTTL:   time.Hour,
		},
		Query: QueryConfig{
			TopK:          5,
			ResultTTL:     5 * time.Minute,
			SearchTimeout: 10 * time.Second,
			CallTimeout:   60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/lenslog"
	}
	return ".lenslog"
}

// Load builds a Config from defaults, a .env file when present, and
// LENSLOG_* environment variables. Environment variables win.
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := defaults()
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Vector.Backend {
	case "sqlite":
	case "postgres":
		if c.Vector.URL == "" {
			return fmt.Errorf("vector backend %q requires LENSLOG_VECTOR_URL", c.Vector.Backend)
		}
	default:
		return fmt.Errorf("unknown vector backend %q (want sqlite or postgres)", c.Vector.Backend)
	}
	switch c.Blob.Backend {
	case "fs":
	case "s3":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("blob backend s3 requires LENSLOG_S3_ENDPOINT and LENSLOG_S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown blob backend %q (want fs or s3)", c.Blob.Backend)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.Ingest.MaxAttempts)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Storage.DataDir, "LENSLOG_DATA_DIR")
	setInt(&cfg.Server.Port, "LENSLOG_SERVER_PORT")
	setString(&cfg.Server.Token, "LENSLOG_API_TOKEN")

	setString(&cfg.Vector.Backend, "LENSLOG_VECTOR_BACKEND")
	setString(&cfg.Vector.URL, "LENSLOG_VECTOR_URL")
	setInt(&cfg.Vector.EmbedDim, "LENSLOG_EMBED_DIM")

	setString(&cfg.Blob.Backend, "LENSLOG_BLOB_BACKEND")
	setString(&cfg.Blob.Dir, "LENSLOG_BLOB_DIR")
	setString(&cfg.Blob.Endpoint, "LENSLOG_S3_ENDPOINT")
	setString(&cfg.Blob.Region, "LENSLOG_S3_REGION")
	setString(&cfg.Blob.Bucket, "LENSLOG_S3_BUCKET")
	setString(&cfg.Blob.AccessKey, "LENSLOG_S3_ACCESS_KEY")
	setString(&cfg.Blob.SecretKey, "LENSLOG_S3_SECRET_KEY")

	setString(&cfg.Redis.Address, "LENSLOG_REDIS_ADDRESS")
	setString(&cfg.Redis.Password, "LENSLOG_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENSLOG_REDIS_DB")

	setString(&cfg.Ollama.BaseURL, "LENSLOG_OLLAMA_BASE_URL")
	setString(&cfg.Ollama.VisionModel, "LENSLOG_VISION_MODEL")
	setString(&cfg.Ollama.EmbedModel, "LENSLOG_EMBED_MODEL")
	setString(&cfg.Ollama.AnswerModel, "LENSLOG_ANSWER_MODEL")

	setInt64(&cfg.Ingest.MaxUploadBytes, "LENSLOG_MAX_UPLOAD_BYTES")
	setStrings(&cfg.Ingest.AcceptedTypes, "LENSLOG_ACCEPTED_TYPES")
	setInt(&cfg.Ingest.Workers, "LENSLOG_WORKERS")
	setInt(&cfg.Ingest.MaxAttempts, "LENSLOG_MAX_ATTEMPTS")
	setDuration(&cfg.Ingest.PollInterval, "LENSLOG_POLL_INTERVAL")
	setDuration(&cfg.Ingest.CallTimeout, "LENSLOG_INGEST_TIMEOUT")
	setDuration(&cfg.Ingest.EmbeddingTTL, "LENSLOG_EMBEDDING_TTL")

	setInt(&cfg.Query.TopK, "LENSLOG_QUERY_TOP_K")
	setDuration(&cfg.Query.ResultTTL, "LENSLOG_QUERY_TTL")
	setDuration(&cfg.Query.SearchTimeout, "LENSLOG_SEARCH_TIMEOUT")
	setDuration(&cfg.Query.CallTimeout, "LENSLOG_QUERY_TIMEOUT")

	setString(&cfg.Log.Level, "LENSLOG_LOG_LEVEL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, env string) {
	if v := os.Getenv(env); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
