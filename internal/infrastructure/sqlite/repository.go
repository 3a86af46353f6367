package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"txscan/internal/infrastructure/sqlstore"

	_ "modernc.org/sqlite"
)

var dialect = sqlstore.Dialect{
	Name: "sqlite",
	InsertTransaction: `INSERT INTO transactions (hash, block_number, block_timestamp, tx_index, from_addr, to_addr, asset, value_raw, value_normalized, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
	SelectWalletForUpdate: `SELECT address, first_seen_block, last_seen_block, tx_count, total_inbound, total_outbound
		FROM wallets WHERE address = ?`,
	UpsertWallet: `INSERT INTO wallets (address, first_seen_block, last_seen_block, tx_count, total_inbound, total_outbound)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			first_seen_block = excluded.first_seen_block,
			last_seen_block = excluded.last_seen_block,
			tx_count = excluded.tx_count,
			total_inbound = excluded.total_inbound,
			total_outbound = excluded.total_outbound`,
	SelectState: `SELECT value FROM state WHERE key = ?`,
	UpsertState: `INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
	DeleteState: `DELETE FROM state WHERE key = ?`,
}

// NewRepository opens (creating if needed) the index database at dbPath.
func NewRepository(dbPath string) (*sqlstore.Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", withPragmas(dbPath))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, dialect)
}

// withPragmas applies the pragmas on every pooled connection, not just the
// first one.
func withPragmas(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			hash TEXT PRIMARY KEY,
			block_number INTEGER NOT NULL,
			block_timestamp INTEGER NOT NULL,
			tx_index INTEGER NOT NULL,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			asset TEXT NOT NULL,
			value_raw TEXT NOT NULL,
			value_normalized TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tx_from_idx ON transactions (from_addr, block_number)`,
		`CREATE INDEX IF NOT EXISTS tx_to_idx ON transactions (to_addr, block_number)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			address TEXT PRIMARY KEY,
			first_seen_block INTEGER NOT NULL,
			last_seen_block INTEGER NOT NULL,
			tx_count INTEGER NOT NULL,
			total_inbound TEXT NOT NULL,
			total_outbound TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
