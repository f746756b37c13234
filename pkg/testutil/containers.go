// Package testutil starts the backing services used by integration tests:
// MinIO for attachment storage and Redis for shared repository metadata.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"
	redisImage = "redis:7-alpine"
)

// Minio is a running MinIO server.
type Minio struct {
	container *minio.MinioContainer

	// Endpoint is host:port without a scheme.
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinio starts a MinIO container with fixed test credentials.
func StartMinio(ctx context.Context) (*Minio, error) {
	const user, password = "fleet", "fleet-secret"

	c, err := minio.Run(ctx, minioImage,
		minio.WithUsername(user),
		minio.WithPassword(password),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start minio container: %w", err)
	}

	endpoint, err := c.ConnectionString(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get minio endpoint: %w", err)
	}
	return &Minio{container: c, Endpoint: endpoint, AccessKey: user, SecretKey: password}, nil
}

// Terminate stops and removes the container.
func (m *Minio) Terminate(ctx context.Context) error {
	if m.container == nil {
		return nil
	}
	return m.container.Terminate(ctx)
}

// Redis is a running Redis server.
type Redis struct {
	container *redis.RedisContainer

	// Addr is host:port, suitable for redis.Options.Addr.
	Addr string
}

// StartRedis starts a Redis container.
func StartRedis(ctx context.Context) (*Redis, error) {
	c, err := redis.Run(ctx, redisImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	addr, err := c.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis address: %w", err)
	}
	return &Redis{container: c, Addr: addr}, nil
}

// Terminate stops and removes the container.
func (r *Redis) Terminate(ctx context.Context) error {
	if r.container == nil {
		return nil
	}
	return r.container.Terminate(ctx)
}

// DockerAvailable reports whether a Docker daemon is reachable. Integration
// tests skip themselves when it is not.
func DockerAvailable() (ok bool) {
	// The provider lookup panics on some hosts without a socket.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	return provider.Health(ctx) == nil
}
