package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the resolved configuration for one run.
type Config struct {
	InputPath     string
	OutputDir     string
	ModelPath     string
	PythonBin     string
	WorkerScript  string
	Confidence    float64
	ResizeFactor  int
	WorkerTimeout string
	DBURL         string
}

// LoadDotEnv reads .env files into the process environment. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv returns defaults taken from the environment.
func FromEnv() Config {
	return Config{
		OutputDir:     getEnv("SEGMETRIC_OUTPUT", ""),
		ModelPath:     getEnv("SEGMETRIC_MODEL", ""),
		PythonBin:     getEnv("SEGMETRIC_PYTHON", "python3"),
		WorkerScript:  getEnv("SEGMETRIC_WORKER", filepath.Join("python", "worker.py")),
		Confidence:    getEnvAsFloat("SEGMETRIC_CONFIDENCE", 0.3),
		ResizeFactor:  getEnvAsInt("SEGMETRIC_RESIZE", 1),
		WorkerTimeout: getEnv("SEGMETRIC_WORKER_TIMEOUT", "60s"),
		DBURL:         DatabaseURL(),
	}
}

// DatabaseURL resolves the archive connection string. Empty means no archive.
func DatabaseURL() string {
	if url := os.Getenv("SEGMETRIC_DB"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getEnv("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, getEnv("POSTGRES_DB", "segmetric"))
}

// ConfigError reports an unusable setting. It is raised before any frame is processed.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateImages checks a configuration for an image folder run.
func (c *Config) ValidateImages() error {
	if err := requireDir("input", c.InputPath); err != nil {
		return err
	}
	if c.OutputDir == "" {
		c.OutputDir = c.InputPath
	}
	return c.validateCommon()
}

// ValidateVideo checks a configuration for a video run. The input may be a file or a folder.
func (c *Config) ValidateVideo() error {
	if c.InputPath == "" {
		return &ConfigError{Field: "input", Reason: "path is required"}
	}
	info, err := os.Stat(c.InputPath)
	if err != nil {
		return &ConfigError{Field: "input", Value: c.InputPath, Reason: err.Error()}
	}
	if c.OutputDir == "" {
		if info.IsDir() {
			c.OutputDir = c.InputPath
		} else {
			c.OutputDir = filepath.Dir(c.InputPath)
		}
	}
	if c.ResizeFactor < 1 || c.ResizeFactor > 4 {
		return &ConfigError{Field: "resize factor", Value: strconv.Itoa(c.ResizeFactor), Reason: "must be between 1 and 4"}
	}
	return c.validateCommon()
}

// ValidateModel checks only the model related settings. Camera runs have no input path.
func (c *Config) ValidateModel() error {
	if c.ModelPath == "" {
		return &ConfigError{Field: "model", Reason: "path is required"}
	}
	info, err := os.Stat(c.ModelPath)
	if err != nil {
		return &ConfigError{Field: "model", Value: c.ModelPath, Reason: err.Error()}
	}
	if info.IsDir() {
		return &ConfigError{Field: "model", Value: c.ModelPath, Reason: "is a directory"}
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return &ConfigError{Field: "confidence", Value: strconv.FormatFloat(c.Confidence, 'f', -1, 64), Reason: "must be between 0.0 and 1.0"}
	}
	if _, err := time.ParseDuration(c.WorkerTimeout); err != nil {
		return &ConfigError{Field: "worker-timeout", Value: c.WorkerTimeout, Reason: "use a duration such as '30s' or '1m'"}
	}
	return nil
}

func (c *Config) validateCommon() error {
	if err := c.ValidateModel(); err != nil {
		return err
	}
	if info, err := os.Stat(c.OutputDir); err == nil && !info.IsDir() {
		return &ConfigError{Field: "output", Value: c.OutputDir, Reason: "exists and is not a directory"}
	}
	return nil
}

// Timeout returns the parsed worker timeout. Call after validation.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.WorkerTimeout)
	return d
}

// PrepareOutput creates the output directory.
func (c *Config) PrepareOutput() error {
	if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
		return &ConfigError{Field: "output", Value: c.OutputDir, Reason: err.Error()}
	}
	return nil
}

func requireDir(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return &ConfigError{Field: field, Reason: "path is required"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ConfigError{Field: field, Value: path, Reason: err.Error()}
	}
	if !info.IsDir() {
		return &ConfigError{Field: field, Value: path, Reason: "expected a directory"}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
