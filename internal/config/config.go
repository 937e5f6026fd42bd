package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

type AppConfig struct {
	Env                Environment
	LogLevel           string
	LogFormat          string
	ServerPort         string
	HttpTimeoutSeconds int
}

type WorkerConfig struct {
	Path             string
	Args             []string
	TempDir          string
	Timeout          time.Duration
	KillGrace        time.Duration
	MaxConcurrent    int
	StderrLimitBytes int
	ExtraEnv         map[string]string
}

type RuntimeConfig struct {
	ModelDir    string
	LibraryPath string
}

type EmbeddingConfig struct {
	DefaultModel string
	Worker       WorkerConfig
	Runtime      RuntimeConfig
}

type Config struct {
	App       AppConfig
	Embedding EmbeddingConfig
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	appEnv := getEnv("APP_ENV", "development")
	env := parseEnvironment(appEnv)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultModelDir := filepath.Join(homeDir, ".config", "facevec", "models")

	return &Config{
		App: AppConfig{
			Env:                env,
			LogLevel:           getLogLevel(env),
			LogFormat:          getLogFormat(env),
			ServerPort:         getEnv("APP_SERVER_PORT", "8080"),
			HttpTimeoutSeconds: getEnvInt("APP_HTTP_TIMEOUT_SECONDS", 30),
		},
		Embedding: EmbeddingConfig{
			DefaultModel: getEnv("EMBEDDING_DEFAULT_MODEL", "facenet512"),
			Worker: WorkerConfig{
				Path:             getEnv("EMBEDDING_WORKER_PATH", ""),
				TempDir:          getEnv("EMBEDDING_WORKER_TEMP_DIR", os.TempDir()),
				Timeout:          getEnvSeconds("EMBEDDING_WORKER_TIMEOUT_SECONDS", 60),
				KillGrace:        getEnvSeconds("EMBEDDING_WORKER_KILL_GRACE_SECONDS", 2),
				MaxConcurrent:    getEnvInt("EMBEDDING_WORKER_MAX_CONCURRENT", calculateDefaultWorkerCount()),
				StderrLimitBytes: getEnvInt("EMBEDDING_WORKER_STDERR_LIMIT_BYTES", 64*1024),
			},
			Runtime: RuntimeConfig{
				ModelDir:    getEnv("FACEVEC_MODEL_DIR", defaultModelDir),
				LibraryPath: getEnv("FACEVEC_ORT_LIBRARY", ""),
			},
		},
	}, nil
}

func (c *Config) Validate() error {
	w := c.Embedding.Worker
	if w.Timeout <= 0 {
		return fmt.Errorf("EMBEDDING_WORKER_TIMEOUT_SECONDS must be positive")
	}
	if w.KillGrace < 0 {
		return fmt.Errorf("EMBEDDING_WORKER_KILL_GRACE_SECONDS must not be negative")
	}
	if w.MaxConcurrent < 1 {
		return fmt.Errorf("EMBEDDING_WORKER_MAX_CONCURRENT must be at least 1")
	}
	if w.StderrLimitBytes < 1024 {
		return fmt.Errorf("EMBEDDING_WORKER_STDERR_LIMIT_BYTES must be at least 1024")
	}
	if strings.TrimSpace(c.Embedding.DefaultModel) == "" {
		return fmt.Errorf("EMBEDDING_DEFAULT_MODEL is required")
	}
	return nil
}

// RuntimeEnv returns the variables the worker needs to find its models and
// the runtime library. They are passed to every worker alongside the safety
// table.
func (c *EmbeddingConfig) RuntimeEnv() map[string]string {
	env := map[string]string{
		"FACEVEC_MODEL_DIR": c.Runtime.ModelDir,
	}
	if c.Runtime.LibraryPath != "" {
		env["FACEVEC_ORT_LIBRARY"] = c.Runtime.LibraryPath
	}
	return env
}

func parseEnvironment(envStr string) Environment {
	env := Environment(strings.ToLower(envStr))

	switch env {
	case Development, Production:
		return env
	default:
		return Development
	}
}

func calculateDefaultWorkerCount() int {
	cpuCores := runtime.NumCPU()

	// every worker loads its model from scratch; facenet512 and arcface
	// onnx sessions peak around 400MB each with the arena disabled
	modelMemoryMB := 400

	var availableMemoryMB int64 = 4096 // default to 4GB

	if memInfo, err := os.ReadFile("/proc/meminfo"); err == nil {
		lines := strings.Split(string(memInfo), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						availableMemoryMB = kb / 1024
						break
					}
				}
			}
		}
	}

	workersByCPU := min(cpuCores, 4)

	// leave 2GB for the system and the server process
	systemReservedMB := 2048
	usableMemoryMB := int(availableMemoryMB) - systemReservedMB
	if usableMemoryMB < 0 {
		usableMemoryMB = 2048
	}

	workersByMemory := max(min(usableMemoryMB/modelMemoryMB, 4), 1)

	return min(max(min(workersByMemory, workersByCPU), 1), 4)
}

func getLogLevel(env Environment) string {
	if env == Production {
		return getEnv("APP_LOG_LEVEL", "info")
	}

	return getEnv("APP_LOG_LEVEL", "debug")
}

func getLogFormat(env Environment) string {
	if env == Production {
		return getEnv("APP_LOG_FORMAT", "json")
	}

	return getEnv("APP_LOG_FORMAT", "console")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvSeconds accepts fractional seconds so tests and tight deployments
// can go below one second.
func getEnvSeconds(key string, defaultSeconds float64) time.Duration {
	seconds := getEnvFloat(key, defaultSeconds)
	return time.Duration(seconds * float64(time.Second))
}
