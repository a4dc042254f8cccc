package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment   string              `yaml:"environment"`
	LogLevel      string              `yaml:"log_level" validate:"oneof=debug info warn error"`
	Port          string              `yaml:"port" validate:"required"`
	DatabaseURL   string              `yaml:"database_url"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Processing    ProcessingConfig    `yaml:"processing"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Storage       StorageConfig       `yaml:"storage"`
}

type TranscriptionConfig struct {
	URL          string        `yaml:"url"`
	Mock         bool          `yaml:"mock"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollAttempts int           `yaml:"poll_attempts" validate:"gte=1"`
}

type LLMConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Mock       bool   `yaml:"mock"`
}

type EmbeddingConfig struct {
	URL         string  `yaml:"url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Dimensions  int     `yaml:"dimensions" validate:"gte=1"`
	BatchSize   int     `yaml:"batch_size" validate:"gte=1"`
	BatchTokens int     `yaml:"batch_tokens" validate:"gte=1"`
	RatePerSec  float64 `yaml:"rate_per_sec" validate:"gt=0"`
	Mock        bool    `yaml:"mock"`
}

type ProcessingConfig struct {
	Workers             int           `yaml:"workers" validate:"gte=1"`
	QueueSize           int           `yaml:"queue_size" validate:"gte=1"`
	MaxAttempts         int           `yaml:"max_attempts" validate:"gte=1"`
	MaxRetries          int           `yaml:"max_retries" validate:"gte=0"`
	StageTimeout        time.Duration `yaml:"stage_timeout" validate:"gt=0"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxConcurrentCalls  int64         `yaml:"max_concurrent_calls" validate:"gte=1"`
	CallsPerSecond      float64       `yaml:"calls_per_second" validate:"gt=0"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size" validate:"gte=1"`
	Overlap int `yaml:"overlap" validate:"gte=0"`
	Workers int `yaml:"workers" validate:"gte=1"`
	// RetryInterval re-embeds partially indexed documents; zero disables it.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	OutcomeTopic string   `yaml:"outcome_topic"`
	UploadTopic  string   `yaml:"upload_topic"`
	GroupID      string   `yaml:"group_id"`
}

type StorageConfig struct {
	RecordingsBaseURL string `yaml:"recordings_base_url"`
	DocumentsDir      string `yaml:"documents_dir"`
	// DocumentCategory applies to dropped documents outside a category folder.
	DocumentCategory string `yaml:"document_category" validate:"oneof=technical policies billing product"`
}

func Default() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		Port:        "8080",
		Transcription: TranscriptionConfig{
			PollInterval: 1500 * time.Millisecond,
			PollAttempts: 40,
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			URL:         "https://api.openai.com/v1",
			Model:       "text-embedding-3-small",
			Dimensions:  1536,
			BatchSize:   64,
			BatchTokens: 8000,
			RatePerSec:  5,
		},
		Processing: ProcessingConfig{
			Workers:             4,
			QueueSize:           100,
			MaxAttempts:         3,
			MaxRetries:          3,
			StageTimeout:        2 * time.Minute,
			PollInterval:        10 * time.Second,
			MaxConcurrentCalls:  8,
			CallsPerSecond:      10,
			ConfidenceThreshold: 0.5,
		},
		Chunking: ChunkingConfig{
			Size:          1000,
			Overlap:       100,
			Workers:       2,
			RetryInterval: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			OutcomeTopic: "call-outcomes",
			UploadTopic:  "calls.uploaded",
			GroupID:      "call-center-backend",
		},
		Storage: StorageConfig{
			DocumentCategory: "technical",
		},
	}
}

// Load layers defaults, the YAML file at CONFIG_PATH (config.yaml if unset) and the
// environment, in that order. A .env file is read into the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	path := envOr("CONFIG_PATH", "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Environment, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")

	setString(&c.Transcription.URL, "TRANSCRIBE_URL")
	setString(&c.LLM.GatewayURL, "LLM_GATEWAY_URL")
	setString(&c.LLM.APIKey, "LLM_API_KEY")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.Embedding.URL, "EMBEDDING_URL")
	setString(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&c.Embedding.Model, "EMBEDDING_MODEL")
	setString(&c.Storage.RecordingsBaseURL, "RECORDINGS_BASE_URL")
	setString(&c.Storage.DocumentsDir, "DOCUMENTS_DIR")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}

	for key, dst := range map[string]*bool{
		"USE_MOCK_TRANSCRIBE": &c.Transcription.Mock,
		"USE_MOCK_LLM":        &c.LLM.Mock,
		"USE_MOCK_EMBEDDING":  &c.Embedding.Mock,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	for key, dst := range map[string]*int{
		"WORKERS":      &c.Processing.Workers,
		"MAX_ATTEMPTS": &c.Processing.MaxAttempts,
		"MAX_RETRIES":  &c.Processing.MaxRetries,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
