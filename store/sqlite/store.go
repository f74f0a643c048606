package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	driverName   = "sqlite"
	sqliteDbFile = "sqlite.db"

	selectClueQuery = `SELECT amount FROM liquidity_clue WHERE wallet = ?`
	upsertClueQuery = `
INSERT INTO liquidity_clue (wallet, amount, updated_at) VALUES (?, ?, ?)
ON CONFLICT(wallet) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`
)

//go:embed migration/*.sql
var migrations embed.FS

type store struct {
	db *sql.DB
}

// NewLiquidityClueStore opens (or creates) the sqlite db in baseDir and runs
// the pending migrations.
func NewLiquidityClueStore(baseDir string) (client.LiquidityClueStore, error) {
	db, err := openDb(filepath.Join(baseDir, sqliteDbFile))
	if err != nil {
		return nil, err
	}
	if err := migrateDb(db); err != nil {
		// nolint
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %s", err)
	}
	return &store{db}, nil
}

func (s *store) GetLiquidityClue(
	ctx context.Context, wallet string,
) (btcutil.Amount, bool, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, selectClueQuery, wallet).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return btcutil.Amount(amount), true, nil
}

func (s *store) SetLiquidityClue(
	ctx context.Context, wallet string, clue btcutil.Amount,
) error {
	_, err := s.db.ExecContext(
		ctx, upsertClueQuery, wallet, int64(clue), time.Now().Unix(),
	)
	return err
}

func (s *store) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing liquidity store: %s", err)
	}
}

func openDb(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %v", err)
		}
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	db.SetMaxOpenConns(1) // prevent concurrent writes

	return db, nil
}

func migrateDb(db *sql.DB) error {
	source, err := iofs.New(migrations, "migration")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %w", err)
	}
	return nil
}
