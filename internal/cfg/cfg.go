// Package cfg loads and validates runtime configuration for the cyber IDS
// inference service. Configuration comes from a YAML file selected by the
// CONFIG_FILE environment variable, with individual environment variables
// taking precedence over file values.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// VersionLatest selects the newest artifact set discovered on disk.
const VersionLatest = "latest"

type Settings struct {
	ArtifactsDir    string
	ModelVersion    string
	RegistryURL     string
	Threshold       float64
	MaxBatchSize    int
	ListenPort      int
	MetricsPort     int
	DataPath        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	FetchTimeout    time.Duration
}

type ConfigFile struct {
	Artifacts struct {
		Dir         string `yaml:"dir"`
		Version     string `yaml:"version"`
		RegistryURL string `yaml:"registryURL"`
	} `yaml:"artifacts"`

	Serving struct {
		Port           int     `yaml:"port"`
		Threshold      float64 `yaml:"threshold"`
		MaxBatchSize   int     `yaml:"maxBatchSize"`
		RequestTimeout string  `yaml:"requestTimeout"`
	} `yaml:"serving"`

	System struct {
		DataPath        string `yaml:"dataPath"`
		MetricsPort     int    `yaml:"metricsPort"`
		ShutdownTimeout string `yaml:"shutdownTimeout"`
		FetchTimeout    string `yaml:"fetchTimeout"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Optional .env bootstrap; absence is not an error.
	_ = godotenv.Load()

	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings := Settings{
		ArtifactsDir:    getEnvOrDefault("ARTIFACTS_DIR", config.Artifacts.Dir),
		ModelVersion:    getEnvOrDefault("MODEL_VERSION", defaultString(config.Artifacts.Version, VersionLatest)),
		RegistryURL:     getEnvOrDefault("ARTIFACT_REGISTRY_URL", config.Artifacts.RegistryURL),
		Threshold:       getFloatFromEnvOrConfig("DECISION_THRESHOLD", config.Serving.Threshold, 0.5),
		MaxBatchSize:    getIntFromEnvOrConfig("MAX_BATCH_SIZE", config.Serving.MaxBatchSize, 1000),
		ListenPort:      getIntFromEnvOrConfig("LISTEN_PORT", config.Serving.Port, 8000),
		MetricsPort:     getIntFromEnvOrConfig("METRICS_PORT", config.System.MetricsPort, 9090),
		DataPath:        getEnvOrDefault("DATA_PATH", config.System.DataPath),
		RequestTimeout:  getDurationFromEnvOrConfig("REQUEST_TIMEOUT", config.Serving.RequestTimeout, 10*time.Second),
		ShutdownTimeout: getDurationFromEnvOrConfig("SHUTDOWN_TIMEOUT", config.System.ShutdownTimeout, 10*time.Second),
		FetchTimeout:    getDurationFromEnvOrConfig("FETCH_TIMEOUT", config.System.FetchTimeout, 30*time.Second),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ArtifactsDir:    getEnvOrDefault("ARTIFACTS_DIR", "artifacts"),
		ModelVersion:    getEnvOrDefault("MODEL_VERSION", VersionLatest),
		RegistryURL:     os.Getenv("ARTIFACT_REGISTRY_URL"), // optional
		Threshold:       getFloatOrDefault("DECISION_THRESHOLD", 0.5),
		MaxBatchSize:    getIntOrDefault("MAX_BATCH_SIZE", 1000),
		ListenPort:      getIntOrDefault("LISTEN_PORT", 8000),
		MetricsPort:     getIntOrDefault("METRICS_PORT", 9090),
		DataPath:        os.Getenv("DATA_PATH"), // optional
		RequestTimeout:  getDurationOrDefault("REQUEST_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
		FetchTimeout:    getDurationOrDefault("FETCH_TIMEOUT", 30*time.Second),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getDurationFromEnvOrConfig(key, configValue string, defaultValue time.Duration) time.Duration {
	if env := os.Getenv(key); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			return d
		}
	}
	if configValue != "" {
		if d, err := time.ParseDuration(configValue); err == nil {
			return d
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.ArtifactsDir == "" {
		return fmt.Errorf("artifacts directory cannot be empty")
	}
	if settings.ModelVersion == "" {
		return fmt.Errorf("model version cannot be empty (use %q for newest)", VersionLatest)
	}
	if settings.RegistryURL != "" && !strings.HasPrefix(settings.RegistryURL, "http") {
		return fmt.Errorf("artifact registry URL must be an http(s) URL, got %q", settings.RegistryURL)
	}

	if settings.Threshold < 0 || settings.Threshold > 1 {
		return fmt.Errorf("decision threshold must be between 0 and 1, got %f", settings.Threshold)
	}
	if settings.MaxBatchSize <= 0 || settings.MaxBatchSize > 100000 {
		return fmt.Errorf("max batch size must be between 1 and 100000, got %d", settings.MaxBatchSize)
	}

	if settings.ListenPort < 1 || settings.ListenPort > 65535 {
		return fmt.Errorf("listen port must be between 1 and 65535, got %d", settings.ListenPort)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}
	if settings.ListenPort == settings.MetricsPort {
		return fmt.Errorf("listen port and metrics port must differ, both are %d", settings.ListenPort)
	}

	if settings.RequestTimeout < time.Second || settings.RequestTimeout > time.Minute {
		return fmt.Errorf("request timeout must be between 1s and 1m, got %v", settings.RequestTimeout)
	}
	if settings.ShutdownTimeout < time.Second || settings.ShutdownTimeout > 5*time.Minute {
		return fmt.Errorf("shutdown timeout must be between 1s and 5m, got %v", settings.ShutdownTimeout)
	}
	if settings.FetchTimeout < time.Second || settings.FetchTimeout > 10*time.Minute {
		return fmt.Errorf("fetch timeout must be between 1s and 10m, got %v", settings.FetchTimeout)
	}

	return nil
}
