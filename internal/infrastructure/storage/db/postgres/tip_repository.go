package postgresdb

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/vulpemventures/connector/internal/core/domain"

	_ "github.com/golang-migrate/migrate/v4/source/file"
)

const (
	postgresDriver             = "pgx"
	insecureDataSourceTemplate = "postgresql://%s:%s@%s:%d/%s?sslmode=disable"

	selectTipQuery = `SELECT height, hash FROM block_tip WHERE id = 1`
	upsertTipQuery = `INSERT INTO block_tip (id, height, hash, updated_at)
VALUES (1, $1, $2, now())
ON CONFLICT (id) DO UPDATE
SET height = EXCLUDED.height, hash = EXCLUDED.hash, updated_at = now()`
)

//go:embed migration/*.sql
var migrations embed.FS

type DbConfig struct {
	DbUser     string
	DbPassword string
	DbHost     string
	DbPort     int
	DbName     string
	// MigrationSourceURL, if set, overrides the embedded migrations, ie.
	// file://path/to/migration.
	MigrationSourceURL string
}

type tipRepositoryPg struct {
	pgxPool *pgxpool.Pool
}

func NewTipRepository(dbConfig DbConfig) (domain.TipRepository, error) {
	dataSource := insecureDataSourceStr(dbConfig)

	pgxPool, err := connect(dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err = migrateDb(dataSource, dbConfig.MigrationSourceURL); err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	return &tipRepositoryPg{pgxPool}, nil
}

func (r *tipRepositoryPg) GetTip(ctx context.Context) (*domain.BlockTip, error) {
	var tip domain.BlockTip
	if err := r.pgxPool.QueryRow(ctx, selectTipQuery).Scan(
		&tip.Height, &tip.Hash,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPgError(err)
	}
	return &tip, nil
}

func (r *tipRepositoryPg) UpdateTip(ctx context.Context, tip domain.BlockTip) error {
	if _, err := r.pgxPool.Exec(
		ctx, upsertTipQuery, tip.Height, tip.Hash,
	); err != nil {
		return wrapPgError(err)
	}
	return nil
}

func (r *tipRepositoryPg) Close() {
	r.pgxPool.Close()
}

func connect(dataSource string) (*pgxpool.Pool, error) {
	return pgxpool.Connect(context.Background(), dataSource)
}

func migrateDb(dataSource, migrationSourceUrl string) error {
	pg := postgres.Postgres{}

	d, err := pg.Open(dataSource)
	if err != nil {
		return err
	}

	var m *migrate.Migrate
	if len(migrationSourceUrl) > 0 {
		m, err = migrate.NewWithDatabaseInstance(
			migrationSourceUrl, postgresDriver, d,
		)
	} else {
		source, e := iofs.New(migrations, "migration")
		if e != nil {
			return e
		}
		m, err = migrate.NewWithInstance("iofs", source, postgresDriver, d)
	}
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

func wrapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (code %s)", pgErr.Message, pgErr.Code)
	}
	return err
}

// insecureDataSourceStr converts database configuration params to connection string
func insecureDataSourceStr(dbConfig DbConfig) string {
	return fmt.Sprintf(
		insecureDataSourceTemplate,
		dbConfig.DbUser,
		dbConfig.DbPassword,
		dbConfig.DbHost,
		dbConfig.DbPort,
		dbConfig.DbName,
	)
}
