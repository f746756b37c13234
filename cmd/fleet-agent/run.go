package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/conductor/fleetagent/internal/agent"
	"github.com/conductor/fleetagent/internal/agent/executor"
	"github.com/conductor/fleetagent/internal/agent/orphans"
	"github.com/conductor/fleetagent/internal/agent/pool"
	"github.com/conductor/fleetagent/internal/agent/proc"
	"github.com/conductor/fleetagent/internal/agent/queue"
	"github.com/conductor/fleetagent/internal/agent/repo"
	"github.com/conductor/fleetagent/internal/artifact"
	"github.com/conductor/fleetagent/internal/secrets"
	"github.com/conductor/fleetagent/pkg/health"
	"github.com/conductor/fleetagent/pkg/log"
	"github.com/conductor/fleetagent/pkg/metrics"
	"github.com/conductor/fleetagent/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

var (
	runWorkers  int
	runLogLevel string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Long: `Start polling the queue and running jobs until SIGINT or SIGTERM.

On shutdown, running jobs are cancelled and their final status is reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers = runWorkers
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = runLogLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
		return run(cfg)
	},
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Maximum number of concurrent jobs")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func run(cfg *agent.Config) error {
	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("agent_id", cfg.AgentID).
		Str("queue", cfg.QueueURL).
		Int("workers", cfg.Workers).
		Str("version", Version).
		Msg("Starting fleet agent")

	agentMetrics := metrics.NewAgentMetrics()

	var tracer *tracing.Tracer
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		t, err := tracing.InitTracer(tracing.Config{
			ServiceName:    "fleet-agent",
			ServiceVersion: agent.Version,
			Endpoint:       endpoint,
			Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false",
			SampleRate:     1.0,
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		} else {
			tracer = t
			logger.Info().Str("endpoint", endpoint).Msg("tracing initialized")
		}
	} else {
		logger.Info().Msg("tracing disabled")
	}

	agentMetrics.SetInfo(cfg.AgentID, Version)
	metricsServer := agentMetrics.Server(":" + strconv.Itoa(cfg.MetricsPort))
	go func() {
		logger.Info().Str("address", metricsServer.Addr).Msg("starting agent metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := buildComponents(ctx, cfg, logger, agentMetrics.Agent)
	if err != nil {
		return err
	}
	defer components.close()

	deps := agent.Deps{
		Queue:    components.queue,
		Executor: components.executor,
		Repos:    components.repos,
		Pool:     components.pool,
		State:    components.state,
		Logger:   logger,
		Metrics:  agentMetrics.Agent,
	}
	if components.docker != nil {
		deps.Docker = components.docker
	}
	agnt, err := agent.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	checks := append([]health.Check{health.NewCapacityCheck(agnt.Maintenance(), cfg.Workers)}, components.checks...)
	control := agent.NewControlServer(cfg.ControlAddr, agnt, logger, checks...)
	go func() {
		logger.Info().Str("address", cfg.ControlAddr).Msg("starting control server")
		if err := control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control server error")
		}
	}()

	if components.storage != nil && cfg.StorageRetention > 0 {
		cleanup := artifact.NewCleanupService(components.storage, artifact.CleanupConfig{
			Interval:  time.Hour,
			Retention: cfg.StorageRetention,
		}, logger)
		go cleanup.Run(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- agnt.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		// Run returns once every running job has reported its final status.
		select {
		case runErr = <-errChan:
		case <-time.After(shutdownTimeout):
			logger.Warn().Dur("timeout", shutdownTimeout).Msg("agent did not stop in time")
		}
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("Agent error")
		}
	}

	logger.Info().Msg("Initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
		}
	}
	if err := control.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("Agent stopped")
	return runErr
}

// components are the collaborators built from configuration.
type components struct {
	queue    *queue.HTTPClient
	executor *executor.Executor
	repos    *repo.Cache
	pool     *pool.Pool
	state    *agent.State
	storage  *artifact.Storage
	docker   *client.Client
	redis    *redis.Client
	checks   []health.Check
}

func (c *components) close() {
	if c.docker != nil {
		c.docker.Close()
	}
	if c.redis != nil {
		c.redis.Close()
	}
}

func buildComponents(ctx context.Context, cfg *agent.Config, logger zerolog.Logger, m *metrics.AgentMetrics) (*components, error) {
	c := &components{}

	q, err := queue.NewHTTPClient(queue.HTTPConfig{
		BaseURL:               cfg.QueueURL,
		AgentID:               cfg.AgentID,
		Token:                 cfg.QueueToken,
		RetryDelay:            cfg.RetryDelay,
		RequestTimeout:        cfg.RequestTimeout,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue client: %w", err)
	}
	c.queue = q

	var uploader executor.AttachmentUploader = q
	if cfg.StorageEndpoint != "" {
		storage, err := artifact.NewStorage(artifact.StorageConfig{
			Endpoint:        cfg.StorageEndpoint,
			Bucket:          cfg.StorageBucket,
			Region:          cfg.StorageRegion,
			AccessKeyID:     cfg.StorageAccessKey,
			SecretAccessKey: cfg.StorageSecretKey,
			UseSSL:          cfg.StorageUseSSL,
			Prefix:          cfg.AgentID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment storage: %w", err)
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		c.storage = storage
		uploader = storage
		c.checks = append(c.checks, health.CheckFunc("storage", storage.HealthCheck))
		logger.Info().Str("endpoint", cfg.StorageEndpoint).Str("bucket", cfg.StorageBucket).Msg("attachments go to object storage")
	}

	var meta repo.MetaStore = repo.NewFileMetaStore(filepath.Join(cfg.RepoDir(), ".meta"))
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		c.redis = rdb
		meta = repo.NewRedisMetaStore(rdb, cfg.RedisPrefix)
		c.checks = append(c.checks, health.CheckFunc("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("repository metadata shared through redis")
	}

	var creds *repo.Credentials
	if cfg.GitToken != "" || cfg.GitSSHKeyPath != "" {
		creds = &repo.Credentials{
			Username:   cfg.GitUsername,
			Password:   cfg.GitToken,
			SSHKeyPath: cfg.GitSSHKeyPath,
		}
	}
	var credProvider repo.CredentialProvider = repo.StaticCredentials{Creds: creds}
	if cfg.VaultAddr != "" {
		vault, err := secrets.NewVaultStore(secrets.VaultConfig{
			Address:   cfg.VaultAddr,
			Token:     cfg.VaultToken,
			Namespace: cfg.VaultNamespace,
			Mount:     cfg.VaultMount,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vault store: %w", err)
		}
		credProvider = &secrets.Credentials{Store: vault, Username: cfg.GitUsername, Fallback: credProvider}
		logger.Info().Str("addr", cfg.VaultAddr).Msg("repository credentials resolved through vault")
	}

	repos, err := repo.NewCache(repo.CacheConfig{
		Dir:         cfg.RepoDir(),
		LockTimeout: cfg.RepoLockTimeout,
		LockStripes: cfg.RepoLockStripes,
	}, repo.NewGitProvider(cfg.RepoCloneDepth, logger), meta, credProvider, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository cache: %w", err)
	}
	c.repos = repos

	killer := proc.NewKiller(logger, m)
	killer.GracePeriod = cfg.KillGracePeriod
	killer.RetryInterval = cfg.KillRetryInterval

	deps, err := executor.NewDependencyCache(cfg.DepsDir(), &http.Client{
		Transport: tracing.RoundTripper(http.DefaultTransport),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dependency cache: %w", err)
	}

	opts := []executor.Option{executor.WithDependencies(deps), executor.WithUploader(uploader)}
	if cfg.PreforkEnabled {
		c.pool = pool.New(pool.Config{
			MaxAge:        cfg.PreforkMaxAge,
			SweepInterval: cfg.PreforkSweepInterval,
			MaxIdlePerKey: cfg.PreforkMaxIdle,
		}, killer, logger, m)
		opts = append(opts, executor.WithPool(c.pool))
	}

	exec, err := executor.New(executor.Config{
		WorkDir: cfg.ProcessDir(),
		LogDir:  cfg.LogDir(),
		Env:     cfg.JobEnv,
	}, &executor.JVMCommandBuilder{
		JavaCmd:    cfg.JavaCmd,
		JVMArgs:    cfg.JVMArgs,
		RunnerPath: cfg.RunnerPath,
		MainClass:  cfg.RunnerMainClass,
		AgentID:    cfg.AgentID,
		ServerURL:  cfg.QueueURL,
	}, killer, logger, m, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	c.executor = exec

	state, err := agent.NewState(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	c.state = state

	if cfg.DockerEnabled {
		docker, err := orphans.NewDockerClient(ctx, cfg.DockerHost)
		if err != nil {
			logger.Warn().Err(err).Msg("docker unavailable - orphan sweeping disabled")
		} else {
			c.docker = docker
			c.checks = append(c.checks, health.CheckFunc("docker", func(ctx context.Context) error {
				_, err := docker.Ping(ctx)
				return err
			}))
		}
	}

	return c, nil
}
