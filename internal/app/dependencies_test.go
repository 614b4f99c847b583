package app

import (
	"context"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
)

func TestMemoryDependencies(t *testing.T) {
	logger := log.WithField("test", "memory-deps")
	deps, err := initRuntimeDependencies(context.Background(), Config{StorageDriver: StorageDriverMemory}, logger)
	require.NoError(t, err)

	for name, repo := range map[string]any{
		"orders":      deps.orders,
		"products":    deps.products,
		"customers":   deps.customers,
		"outbox":      deps.outbox,
		"timeline":    deps.timeline,
		"idempotency": deps.idempotency,
	} {
		assert.NotNil(t, repo, name)
	}
	assert.Nil(t, deps.storageChecker)
	assert.Nil(t, deps.closeFn)
	assert.NotPanics(t, func() { deps.close(logger) })
}

func TestDependenciesRejectBadDriver(t *testing.T) {
	logger := log.WithField("test", "bad-driver")

	_, err := initRuntimeDependencies(context.Background(), Config{StorageDriver: StorageDriverPostgres}, logger)
	assert.ErrorContains(t, err, "requires postgres dsn")

	_, err = initRuntimeDependencies(context.Background(), Config{StorageDriver: "sqlite"}, logger)
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestPostgresDependencies(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("STOREFRONT_POSTGRES_TEST_DSN is not set")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	logger := log.WithField("test", "postgres-deps")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { deps.close(logger) })

	require.NotNil(t, deps.closeFn)
	require.NotNil(t, deps.storageChecker)
	check := deps.storageChecker.Check(context.Background())
	assert.Equal(t, healthcheck.StatusHealthy, check.Status, check.Message)
	assert.Equal(t, "postgres", check.Name)
}
