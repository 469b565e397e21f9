// Package testutil starts disposable infrastructure for integration tests.
package testutil

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	postgresUser     = "autopilot"
	postgresPassword = "secret"
	postgresDatabase = "autopilot"
)

// StartPostgres runs a throwaway Postgres, migrates it and points config.Conf at it.
// The test is skipped in -short mode or when no Docker daemon answers.
func StartPostgres(t *testing.T) *gorm.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	err = pool.Client.Ping()
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=" + postgresUser,
			"POSTGRES_PASSWORD=" + postgresPassword,
			"POSTGRES_DB=" + postgresDatabase,
		},
	}, func(hostConfig *docker.HostConfig) {
		hostConfig.AutoRemove = true
		hostConfig.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	host, port, err := net.SplitHostPort(resource.GetHostPort("5432/tcp"))
	require.NoError(t, err)

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	config.Conf.PostgresHost = host
	config.Conf.PostgresPort = port
	config.Conf.PostgresUsername = postgresUser
	config.Conf.PostgresPassword = postgresPassword
	config.Conf.PostgresDatabase = postgresDatabase

	var db *gorm.DB

	require.NoError(t, pool.Retry(func() error {
		db, err = database.Open(database.GetDSN() + " sslmode=disable")

		return err
	}))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	require.NoError(t, migrateUp())

	return db
}

func migrateUp() error {
	migrator, err := migrate.New("file://"+filepath.ToSlash(migrationsDir()), database.GetURL())
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer migrator.Close()

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// migrationsDir resolves the repository's migrations folder from this file's location,
// so tests work from any package directory.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)

	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
