// Package agent implements the fleet agent: it polls the job queue,
// runs each job as a supervised process and reports status and logs back.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names a YAML file loaded before the environment.
const EnvConfigFile = "FLEET_AGENT_CONFIG_FILE"

// Config holds all configuration settings for the agent.
type Config struct {
	// AgentID identifies this agent to the queue. Defaults to the hostname.
	AgentID string `yaml:"agentId"`

	// QueueURL is the base URL of the job queue (required).
	QueueURL string `yaml:"queueUrl"`

	// QueueToken is sent as a bearer token to the queue (required).
	QueueToken string `yaml:"queueToken"`

	// TLSInsecureSkipVerify skips queue certificate verification.
	TLSInsecureSkipVerify bool `yaml:"tlsInsecureSkipVerify"`

	// Workers is the number of concurrent jobs (default: 3).
	Workers int `yaml:"workers"`

	// PollInterval is the wait after an empty poll (default: 2s).
	PollInterval time.Duration `yaml:"pollInterval"`

	// CommandPollInterval is the wait after an empty command poll (default: 2s).
	CommandPollInterval time.Duration `yaml:"commandPollInterval"`

	// RetryDelay is the fixed delay between queue retries (default: 5s).
	RetryDelay time.Duration `yaml:"retryDelay"`

	// RequestTimeout bounds a single queue request (default: 1m).
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// WorkDir is the base directory for processes, logs, payloads and
	// caches (default: /tmp/fleet-agent).
	WorkDir string `yaml:"workDir"`

	// StateDir holds the local state database (default: /var/lib/fleet-agent).
	StateDir string `yaml:"stateDir"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Log streaming.
	LogBufferSize   int           `yaml:"logBufferSize"`
	LogPollInterval time.Duration `yaml:"logPollInterval"`
	LogMaxDelay     time.Duration `yaml:"logMaxDelay"`

	// Pre-started processes.
	PreforkEnabled       bool          `yaml:"preforkEnabled"`
	PreforkMaxAge        time.Duration `yaml:"preforkMaxAge"`
	PreforkSweepInterval time.Duration `yaml:"preforkSweepInterval"`
	PreforkMaxIdle       int           `yaml:"preforkMaxIdle"`

	// Repository cache.
	RepoLockTimeout time.Duration `yaml:"repoLockTimeout"`
	RepoLockStripes int           `yaml:"repoLockStripes"`
	RepoCloneDepth  int           `yaml:"repoCloneDepth"`
	GitUsername     string        `yaml:"gitUsername"`
	GitToken        string        `yaml:"gitToken"`
	GitSSHKeyPath   string        `yaml:"gitSshKeyPath"`

	// Kill escalation.
	KillGracePeriod   time.Duration `yaml:"killGracePeriod"`
	KillRetryInterval time.Duration `yaml:"killRetryInterval"`

	// DrainTimeout bounds the wait of a maintenance request (default: 10s).
	DrainTimeout time.Duration `yaml:"drainTimeout"`

	// StatusRetention is how long an unaccessed terminal status is kept (default: 8h).
	StatusRetention time.Duration `yaml:"statusRetention"`

	// Job runner.
	JavaCmd         string            `yaml:"javaCmd"`
	JVMArgs         []string          `yaml:"jvmArgs"`
	RunnerPath      string            `yaml:"runnerPath"`
	RunnerMainClass string            `yaml:"runnerMainClass"`
	JobEnv          map[string]string `yaml:"jobEnv"`

	MetricsPort int    `yaml:"metricsPort"`
	ControlAddr string `yaml:"controlAddr"`

	// Docker orphan sweeping.
	DockerEnabled       bool          `yaml:"dockerEnabled"`
	DockerHost          string        `yaml:"dockerHost"`
	OrphanSweepInterval time.Duration `yaml:"orphanSweepInterval"`

	// Attachment storage. Attachments go to the queue unless an endpoint is set.
	StorageEndpoint  string        `yaml:"storageEndpoint"`
	StorageAccessKey string        `yaml:"storageAccessKey"`
	StorageSecretKey string        `yaml:"storageSecretKey"`
	StorageBucket    string        `yaml:"storageBucket"`
	StorageRegion    string        `yaml:"storageRegion"`
	StorageUseSSL    bool          `yaml:"storageUseSsl"`
	StorageRetention time.Duration `yaml:"storageRetention"`

	// Shared repository metadata. Stored next to the checkouts unless an address is set.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	RedisPrefix   string `yaml:"redisPrefix"`

	// Vault resolves per-repository credentials named by a job's secretRef.
	VaultAddr      string `yaml:"vaultAddr"`
	VaultToken     string `yaml:"vaultToken"`
	VaultNamespace string `yaml:"vaultNamespace"`
	VaultMount     string `yaml:"vaultMount"`
}

// Default returns the built-in configuration.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	return &Config{
		AgentID:              hostname,
		Workers:              3,
		PollInterval:         2 * time.Second,
		CommandPollInterval:  2 * time.Second,
		RetryDelay:           5 * time.Second,
		RequestTimeout:       time.Minute,
		WorkDir:              "/tmp/fleet-agent",
		StateDir:             "/var/lib/fleet-agent",
		LogLevel:             "info",
		LogFormat:            "json",
		LogBufferSize:        8192,
		LogPollInterval:      250 * time.Millisecond,
		LogMaxDelay:          2 * time.Second,
		PreforkEnabled:       true,
		PreforkMaxAge:        30 * time.Second,
		PreforkSweepInterval: 5 * time.Second,
		PreforkMaxIdle:       1,
		RepoLockTimeout:      30 * time.Second,
		RepoLockStripes:      32,
		RepoCloneDepth:       1,
		KillGracePeriod:      time.Second,
		KillRetryInterval:    3 * time.Second,
		DrainTimeout:         10 * time.Second,
		StatusRetention:      8 * time.Hour,
		JavaCmd:              "java",
		RunnerPath:           "/opt/fleet-agent/runner.jar",
		RunnerMainClass:      "com.fleet.runner.Main",
		MetricsPort:          9092,
		ControlAddr:          ":8010",
		DockerHost:           "unix:///var/run/docker.sock",
		OrphanSweepInterval:  time.Minute,
		StorageBucket:        "fleet-attachments",
		StorageRegion:        "us-east-1",
		StorageUseSSL:        true,
		RedisPrefix:          "fleet:repo:",
	}
}

// Load builds the configuration from defaults, the optional config file
// and FLEET_AGENT_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.AgentID = getEnv("FLEET_AGENT_ID", c.AgentID)
	c.QueueURL = getEnv("FLEET_AGENT_QUEUE_URL", c.QueueURL)
	c.QueueToken = getEnv("FLEET_AGENT_QUEUE_TOKEN", c.QueueToken)
	c.TLSInsecureSkipVerify = getEnvBool("FLEET_AGENT_TLS_INSECURE_SKIP_VERIFY", c.TLSInsecureSkipVerify)
	c.Workers = getEnvInt("FLEET_AGENT_WORKERS", c.Workers)
	c.PollInterval = getEnvDuration("FLEET_AGENT_POLL_INTERVAL", c.PollInterval)
	c.CommandPollInterval = getEnvDuration("FLEET_AGENT_COMMAND_POLL_INTERVAL", c.CommandPollInterval)
	c.RetryDelay = getEnvDuration("FLEET_AGENT_RETRY_DELAY", c.RetryDelay)
	c.RequestTimeout = getEnvDuration("FLEET_AGENT_REQUEST_TIMEOUT", c.RequestTimeout)
	c.WorkDir = getEnv("FLEET_AGENT_WORK_DIR", c.WorkDir)
	c.StateDir = getEnv("FLEET_AGENT_STATE_DIR", c.StateDir)
	c.LogLevel = getEnv("FLEET_AGENT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("FLEET_AGENT_LOG_FORMAT", c.LogFormat)
	c.LogBufferSize = getEnvInt("FLEET_AGENT_LOG_BUFFER_SIZE", c.LogBufferSize)
	c.LogPollInterval = getEnvDuration("FLEET_AGENT_LOG_POLL_INTERVAL", c.LogPollInterval)
	c.LogMaxDelay = getEnvDuration("FLEET_AGENT_LOG_MAX_DELAY", c.LogMaxDelay)
	c.PreforkEnabled = getEnvBool("FLEET_AGENT_PREFORK_ENABLED", c.PreforkEnabled)
	c.PreforkMaxAge = getEnvDuration("FLEET_AGENT_PREFORK_MAX_AGE", c.PreforkMaxAge)
	c.PreforkSweepInterval = getEnvDuration("FLEET_AGENT_PREFORK_SWEEP_INTERVAL", c.PreforkSweepInterval)
	c.PreforkMaxIdle = getEnvInt("FLEET_AGENT_PREFORK_MAX_IDLE", c.PreforkMaxIdle)
	c.RepoLockTimeout = getEnvDuration("FLEET_AGENT_REPO_LOCK_TIMEOUT", c.RepoLockTimeout)
	c.RepoLockStripes = getEnvInt("FLEET_AGENT_REPO_LOCK_STRIPES", c.RepoLockStripes)
	c.RepoCloneDepth = getEnvInt("FLEET_AGENT_REPO_CLONE_DEPTH", c.RepoCloneDepth)
	c.GitUsername = getEnv("FLEET_AGENT_GIT_USERNAME", c.GitUsername)
	c.GitToken = getEnv("FLEET_AGENT_GIT_TOKEN", c.GitToken)
	c.GitSSHKeyPath = getEnv("FLEET_AGENT_GIT_SSH_KEY_PATH", c.GitSSHKeyPath)
	c.KillGracePeriod = getEnvDuration("FLEET_AGENT_KILL_GRACE_PERIOD", c.KillGracePeriod)
	c.KillRetryInterval = getEnvDuration("FLEET_AGENT_KILL_RETRY_INTERVAL", c.KillRetryInterval)
	c.DrainTimeout = getEnvDuration("FLEET_AGENT_DRAIN_TIMEOUT", c.DrainTimeout)
	c.StatusRetention = getEnvDuration("FLEET_AGENT_STATUS_RETENTION", c.StatusRetention)
	c.JavaCmd = getEnv("FLEET_AGENT_JAVA_CMD", c.JavaCmd)
	c.JVMArgs = getEnvStringSlice("FLEET_AGENT_JVM_ARGS", c.JVMArgs)
	c.RunnerPath = getEnv("FLEET_AGENT_RUNNER_PATH", c.RunnerPath)
	c.RunnerMainClass = getEnv("FLEET_AGENT_RUNNER_MAIN_CLASS", c.RunnerMainClass)
	if env := getEnvMap("FLEET_AGENT_JOB_ENV"); len(env) > 0 {
		c.JobEnv = env
	}
	c.MetricsPort = getEnvInt("FLEET_AGENT_METRICS_PORT", c.MetricsPort)
	c.ControlAddr = getEnv("FLEET_AGENT_CONTROL_ADDR", c.ControlAddr)
	c.DockerEnabled = getEnvBool("FLEET_AGENT_DOCKER_ENABLED", c.DockerEnabled)
	c.DockerHost = getEnv("FLEET_AGENT_DOCKER_HOST", c.DockerHost)
	c.OrphanSweepInterval = getEnvDuration("FLEET_AGENT_ORPHAN_SWEEP_INTERVAL", c.OrphanSweepInterval)
	c.StorageEndpoint = getEnv("FLEET_AGENT_STORAGE_ENDPOINT", c.StorageEndpoint)
	c.StorageAccessKey = getEnv("FLEET_AGENT_STORAGE_ACCESS_KEY", c.StorageAccessKey)
	c.StorageSecretKey = getEnv("FLEET_AGENT_STORAGE_SECRET_KEY", c.StorageSecretKey)
	c.StorageBucket = getEnv("FLEET_AGENT_STORAGE_BUCKET", c.StorageBucket)
	c.StorageRegion = getEnv("FLEET_AGENT_STORAGE_REGION", c.StorageRegion)
	c.StorageUseSSL = getEnvBool("FLEET_AGENT_STORAGE_USE_SSL", c.StorageUseSSL)
	c.StorageRetention = getEnvDuration("FLEET_AGENT_STORAGE_RETENTION", c.StorageRetention)
	c.RedisAddr = getEnv("FLEET_AGENT_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("FLEET_AGENT_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("FLEET_AGENT_REDIS_DB", c.RedisDB)
	c.RedisPrefix = getEnv("FLEET_AGENT_REDIS_PREFIX", c.RedisPrefix)
	c.VaultAddr = getEnv("FLEET_AGENT_VAULT_ADDR", c.VaultAddr)
	c.VaultToken = getEnv("FLEET_AGENT_VAULT_TOKEN", c.VaultToken)
	c.VaultNamespace = getEnv("FLEET_AGENT_VAULT_NAMESPACE", c.VaultNamespace)
	c.VaultMount = getEnv("FLEET_AGENT_VAULT_MOUNT", c.VaultMount)
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.AgentID == "" {
		errs = append(errs, errors.New("FLEET_AGENT_ID is required"))
	}
	if c.QueueURL == "" {
		errs = append(errs, errors.New("FLEET_AGENT_QUEUE_URL is required"))
	}
	if c.QueueToken == "" {
		errs = append(errs, errors.New("FLEET_AGENT_QUEUE_TOKEN is required"))
	}

	if c.Workers < 1 {
		errs = append(errs, errors.New("FLEET_AGENT_WORKERS must be at least 1"))
	}
	if c.Workers > 100 {
		errs = append(errs, errors.New("FLEET_AGENT_WORKERS cannot exceed 100"))
	}

	if !filepath.IsAbs(c.WorkDir) {
		errs = append(errs, errors.New("FLEET_AGENT_WORK_DIR must be an absolute path"))
	}
	if !filepath.IsAbs(c.StateDir) {
		errs = append(errs, errors.New("FLEET_AGENT_STATE_DIR must be an absolute path"))
	}

	if c.PollInterval < 10*time.Millisecond {
		errs = append(errs, errors.New("FLEET_AGENT_POLL_INTERVAL must be at least 10ms"))
	}
	if c.RetryDelay < 100*time.Millisecond {
		errs = append(errs, errors.New("FLEET_AGENT_RETRY_DELAY must be at least 100ms"))
	}
	if c.LogBufferSize < 512 {
		errs = append(errs, errors.New("FLEET_AGENT_LOG_BUFFER_SIZE must be at least 512"))
	}
	if c.LogMaxDelay < c.LogPollInterval {
		errs = append(errs, errors.New("FLEET_AGENT_LOG_MAX_DELAY must be >= FLEET_AGENT_LOG_POLL_INTERVAL"))
	}
	if c.PreforkEnabled {
		if c.PreforkMaxAge <= 0 {
			errs = append(errs, errors.New("FLEET_AGENT_PREFORK_MAX_AGE must be positive"))
		}
		if c.PreforkSweepInterval <= 0 {
			errs = append(errs, errors.New("FLEET_AGENT_PREFORK_SWEEP_INTERVAL must be positive"))
		}
		if c.PreforkMaxIdle < 1 {
			errs = append(errs, errors.New("FLEET_AGENT_PREFORK_MAX_IDLE must be at least 1"))
		}
	}
	if c.RepoLockTimeout <= 0 {
		errs = append(errs, errors.New("FLEET_AGENT_REPO_LOCK_TIMEOUT must be positive"))
	}
	if c.RepoLockStripes < 1 {
		errs = append(errs, errors.New("FLEET_AGENT_REPO_LOCK_STRIPES must be at least 1"))
	}
	if c.KillGracePeriod <= 0 || c.KillRetryInterval <= 0 {
		errs = append(errs, errors.New("FLEET_AGENT_KILL_GRACE_PERIOD and FLEET_AGENT_KILL_RETRY_INTERVAL must be positive"))
	}
	if c.StatusRetention <= 0 {
		errs = append(errs, errors.New("FLEET_AGENT_STATUS_RETENTION must be positive"))
	}
	if c.RunnerPath == "" || c.RunnerMainClass == "" {
		errs = append(errs, errors.New("FLEET_AGENT_RUNNER_PATH and FLEET_AGENT_RUNNER_MAIN_CLASS are required"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New("FLEET_AGENT_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New("FLEET_AGENT_LOG_FORMAT must be one of: json, console"))
	}

	if c.StorageEndpoint != "" && c.StorageBucket == "" {
		errs = append(errs, errors.New("FLEET_AGENT_STORAGE_BUCKET is required when storage is enabled"))
	}
	if c.VaultAddr != "" && c.VaultToken == "" {
		errs = append(errs, errors.New("FLEET_AGENT_VAULT_TOKEN is required when vault is enabled"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Directory layout under WorkDir.

func (c *Config) ProcessDir() string { return filepath.Join(c.WorkDir, "procs") }
func (c *Config) LogDir() string     { return filepath.Join(c.WorkDir, "logs") }
func (c *Config) PayloadDir() string { return filepath.Join(c.WorkDir, "payloads") }
func (c *Config) RepoDir() string    { return filepath.Join(c.WorkDir, "repos") }
func (c *Config) DepsDir() string    { return filepath.Join(c.WorkDir, "deps") }

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		fields := strings.Fields(value)
		if len(fields) > 0 {
			return fields
		}
	}
	return defaultValue
}

func getEnvMap(key string) map[string]string {
	result := make(map[string]string)
	if value := os.Getenv(key); value != "" {
		for _, pair := range strings.Split(value, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) == 2 {
				result[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}
	return result
}
