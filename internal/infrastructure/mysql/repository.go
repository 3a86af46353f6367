package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"txscan/internal/infrastructure/sqlstore"

	_ "github.com/go-sql-driver/mysql"
)

var dialect = sqlstore.Dialect{
	Name: "mysql",
	InsertTransaction: `INSERT IGNORE INTO transactions (hash, block_number, block_timestamp, tx_index, from_addr, to_addr, asset, value_raw, value_normalized, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	SelectWalletForUpdate: `SELECT address, first_seen_block, last_seen_block, tx_count, total_inbound, total_outbound
		FROM wallets WHERE address = ? FOR UPDATE`,
	UpsertWallet: `INSERT INTO wallets (address, first_seen_block, last_seen_block, tx_count, total_inbound, total_outbound)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			first_seen_block = VALUES(first_seen_block),
			last_seen_block = VALUES(last_seen_block),
			tx_count = VALUES(tx_count),
			total_inbound = VALUES(total_inbound),
			total_outbound = VALUES(total_outbound)`,
	SelectState: `SELECT state_value FROM state WHERE state_key = ?`,
	UpsertState: `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`,
	DeleteState: `DELETE FROM state WHERE state_key = ?`,
}

func NewRepository(dsn string) (*sqlstore.Store, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, dialect)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		hash VARCHAR(66) NOT NULL,
		block_number BIGINT UNSIGNED NOT NULL,
		block_timestamp BIGINT UNSIGNED NOT NULL,
		tx_index BIGINT UNSIGNED NOT NULL,
		from_addr VARCHAR(42) NOT NULL,
		to_addr VARCHAR(42) NOT NULL,
		asset VARCHAR(42) NOT NULL,
		value_raw VARCHAR(80) NOT NULL,
		value_normalized VARCHAR(120) NOT NULL,
		status VARCHAR(16) NOT NULL,
		PRIMARY KEY (hash),
		KEY tx_from_idx (from_addr, block_number),
		KEY tx_to_idx (to_addr, block_number)
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		address VARCHAR(42) NOT NULL,
		first_seen_block BIGINT UNSIGNED NOT NULL,
		last_seen_block BIGINT UNSIGNED NOT NULL,
		tx_count BIGINT UNSIGNED NOT NULL,
		total_inbound VARCHAR(120) NOT NULL,
		total_outbound VARCHAR(120) NOT NULL,
		PRIMARY KEY (address)
	)`,
	`CREATE TABLE IF NOT EXISTS state (
		state_key VARCHAR(64) NOT NULL,
		state_value TEXT NOT NULL,
		PRIMARY KEY (state_key)
	)`,
}

func createSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
