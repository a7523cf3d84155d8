package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresUser     = "gitfix"
	postgresPassword = "gitfix"
	postgresDB       = "gitfix_test"
)

var (
	redisContainer    sharedContainer
	postgresContainer sharedContainer
	mongoContainer    sharedContainer
)

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisContainer.get(t, func(ctx context.Context) (string, error) {
		return run(ctx, "redis:7", "6379/tcp", nil,
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		)
	})
}

// GetPostgresDSN returns a DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgresContainer.get(t, func(ctx context.Context) (string, error) {
		env := map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		}
		return run(ctx, "postgres:16", "5432/tcp", env,
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("ready to accept connections"),
			// The log line appears once during init too; only a query proves
			// the mapped port serves the final server.
			wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return postgresDSN(host + ":" + port.Port())
			}).WithQuery("SELECT 1"),
		)
	})
	return postgresDSN(endpoint)
}

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	endpoint := mongoContainer.get(t, func(ctx context.Context) (string, error) {
		return run(ctx, "mongo:7", "27017/tcp", nil,
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		)
	})
	return "mongodb://" + endpoint
}

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", postgresUser, postgresPassword, hostPort, postgresDB)
}

// run starts image with port exposed and returns the mapped host:port once
// every strategy passes.
func run(ctx context.Context, image, port string, env map[string]string, strategies ...wait.Strategy) (string, error) {
	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts(port),
		testcontainers.WithWaitStrategy(wait.ForAll(strategies...).WithDeadline(2 * time.Minute)),
	}
	if len(env) > 0 {
		opts = append(opts, testcontainers.WithEnv(env))
	}

	c, err := testcontainers.Run(ctx, image, opts...)
	if err != nil {
		return "", err
	}
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	return endpoint, nil
}
