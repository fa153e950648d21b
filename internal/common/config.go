package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Journal   JournalConfig
	Server    ServerConfig
	LLM       LLMConfig
	Optimizer OptimizerConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// JournalConfig holds the local run-journal configuration
type JournalConfig struct {
	Path string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	Timeout        time.Duration
	ExtractBaseURL string
	ExtractAPIKey  string
}

// OptimizerConfig holds the tuning knobs for an optimization run
type OptimizerConfig struct {
	TestModel             string
	MaxDocs               int
	MaxIterations         int
	FieldConcurrency      int
	ExtractionConcurrency int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Journal: JournalConfig{
			Path: getEnv("JOURNAL_PATH", "./fieldtune.db"),
		},
		Server: ServerConfig{
			GRPCAddr: getEnv("GRPC_ADDR", ":8080"),
		},
		LLM: LLMConfig{
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Temperature:    getEnvAsFloat32("OPENAI_TEMPERATURE", 0.2),
			Timeout:        getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
			ExtractBaseURL: getEnv("EXTRACT_BASE_URL", ""),
			ExtractAPIKey:  getEnv("EXTRACT_API_KEY", ""),
		},
		Optimizer: OptimizerConfig{
			TestModel:             getEnv("OPT_TEST_MODEL", "gpt-4o-mini"),
			MaxDocs:               getEnvAsInt("OPT_MAX_DOCS", 3),
			MaxIterations:         getEnvAsInt("OPT_MAX_ITERATIONS", 3),
			FieldConcurrency:      getEnvAsInt("OPT_FIELD_CONCURRENCY", 3),
			ExtractionConcurrency: getEnvAsInt("OPT_EXTRACTION_CONCURRENCY", 2),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.LLM.Model == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_MODEL must not be empty", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR is required", ErrInvalidInput)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate enforces the documented bounds on the optimizer knobs.
func (o OptimizerConfig) Validate() error {
	if o.TestModel == "" {
		return NewAppError("CONFIG_ERROR", "OPT_TEST_MODEL must not be empty", ErrInvalidInput)
	}
	if o.MaxDocs < 1 || o.MaxDocs > 25 {
		return NewAppError("CONFIG_ERROR", "OPT_MAX_DOCS must be in 1..25", ErrInvalidInput)
	}
	if o.MaxIterations < 1 || o.MaxIterations > 10 {
		return NewAppError("CONFIG_ERROR", "OPT_MAX_ITERATIONS must be in 1..10", ErrInvalidInput)
	}
	if o.FieldConcurrency < 1 || o.FieldConcurrency > 8 {
		return NewAppError("CONFIG_ERROR", "OPT_FIELD_CONCURRENCY must be in 1..8", ErrInvalidInput)
	}
	if o.ExtractionConcurrency < 1 {
		return NewAppError("CONFIG_ERROR", "OPT_EXTRACTION_CONCURRENCY must be >= 1", ErrInvalidInput)
	}
	return nil
}
