package db_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/connector/internal/core/domain"
	dbbadger "github.com/vulpemventures/connector/internal/infrastructure/storage/db/badger"
	"github.com/vulpemventures/connector/internal/infrastructure/storage/db/inmemory"
	postgresdb "github.com/vulpemventures/connector/internal/infrastructure/storage/db/postgres"
)

var ctx = context.Background()

func TestTipRepository(t *testing.T) {
	repositories, err := newTipRepositories(t)
	require.NoError(t, err)

	for name, repo := range repositories {
		repo := repo
		t.Run(name, func(t *testing.T) {
			testTipRepository(t, repo)
		})
	}
}

func TestBadgerTipRepositoryPersistence(t *testing.T) {
	datadir := t.TempDir()
	tip := domain.BlockTip{Height: 812345, Hash: fmt.Sprintf("%064x", 812345)}

	repo, err := dbbadger.NewTipRepository(datadir, nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateTip(ctx, tip))
	repo.Close()

	repo, err = dbbadger.NewTipRepository(datadir, nil)
	require.NoError(t, err)
	defer repo.Close()

	restored, err := repo.GetTip(ctx)
	require.NoError(t, err)
	require.Equal(t, tip, *restored)
}

func testTipRepository(t *testing.T, repo domain.TipRepository) {
	t.Run("empty", func(t *testing.T) {
		tip, err := repo.GetTip(ctx)
		require.NoError(t, err)
		require.Nil(t, tip)
	})

	t.Run("update", func(t *testing.T) {
		for _, height := range []int64{100, 101, 101, 99} {
			tip := domain.BlockTip{Height: height, Hash: fmt.Sprintf("%064x", height)}
			require.NoError(t, repo.UpdateTip(ctx, tip))

			stored, err := repo.GetTip(ctx)
			require.NoError(t, err)
			require.NotNil(t, stored)
			require.Equal(t, tip, *stored)
		}
	})
}

func newTipRepositories(t *testing.T) (map[string]domain.TipRepository, error) {
	badgerRepo, err := dbbadger.NewTipRepository("", nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(badgerRepo.Close)

	repositories := map[string]domain.TipRepository{
		"inmemory": inmemory.NewTipRepository(),
		"badger":   badgerRepo,
	}

	// Postgres is tested only if a test db is available.
	host := os.Getenv("CONNECTOR_TEST_DB_HOST")
	if len(host) <= 0 {
		return repositories, nil
	}
	port, _ := strconv.Atoi(os.Getenv("CONNECTOR_TEST_DB_PORT"))
	if port <= 0 {
		port = 5432
	}
	pgRepo, err := postgresdb.NewTipRepository(postgresdb.DbConfig{
		DbUser:             "root",
		DbPassword:         "secret",
		DbHost:             host,
		DbPort:             port,
		DbName:             "connectord-db-test",
		MigrationSourceURL: "file://../postgres/migration",
	})
	if err != nil {
		return nil, err
	}
	t.Cleanup(pgRepo.Close)
	repositories["postgres"] = pgRepo

	return repositories, nil
}
