// Package sqlstore implements the transaction index on top of database/sql.
// Engine differences are confined to a Dialect; the sqlite and mysql
// packages supply one each.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"txscan/internal/application"
	"txscan/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	checkpointKey = "checkpoint"

	writeTimeout = 10 * time.Second
	readTimeout  = 5 * time.Second
	pingTimeout  = 2 * time.Second

	defaultListLimit = 50
	maxListLimit     = 1000
)

var _ application.IndexStore = (*Store)(nil)

// Dialect holds the statements that differ between engines. Placeholders are
// always "?".
type Dialect struct {
	// Name is reported as db.system on spans.
	Name string
	// InsertTransaction must silently skip rows whose hash already exists.
	InsertTransaction string
	// SelectWalletForUpdate reads one wallet row inside the write transaction.
	SelectWalletForUpdate string
	UpsertWallet          string
	SelectState           string
	UpsertState           string
	DeleteState           string
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an opened and migrated database.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if dialect.Name == "" || dialect.InsertTransaction == "" || dialect.UpsertWallet == "" ||
		dialect.SelectWalletForUpdate == "" || dialect.SelectState == "" || dialect.UpsertState == "" || dialect.DeleteState == "" {
		return nil, errors.New("dialect is incomplete")
	}
	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the handle for engine-specific maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertTransactions(ctx context.Context, txs []domain.IndexedTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	ctx, span := s.startSpan(ctx, "UpsertTransactions", attribute.Int("tx.count", len(txs)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	inserted, err := s.upsert(ctx, txs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, &domain.StoreError{Op: "upsert transactions", Err: err}
	}
	span.SetAttributes(attribute.Int("tx.inserted", inserted))
	return inserted, nil
}

func (s *Store) upsert(ctx context.Context, txs []domain.IndexedTransaction) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	insert, err := tx.PrepareContext(ctx, s.dialect.InsertTransaction)
	if err != nil {
		return 0, err
	}
	defer insert.Close()

	wallets := make(map[string]*domain.WalletActivity)
	inserted := 0
	for _, record := range txs {
		result, err := insert.ExecContext(ctx,
			record.Hash,
			record.BlockNumber,
			record.BlockTimestamp,
			record.TransactionIndex,
			record.From,
			record.To,
			record.Asset,
			record.ValueRaw,
			record.ValueNormalized.String(),
			string(record.Status),
		)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", record.Hash, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			continue
		}
		inserted++

		for _, address := range record.Participants() {
			wallet, ok := wallets[address]
			if !ok {
				loaded, err := s.loadWallet(ctx, tx, address)
				if err != nil {
					return 0, err
				}
				wallet = &loaded
				wallets[address] = wallet
			}
			wallet.Apply(record)
		}
	}

	for _, wallet := range wallets {
		if _, err := tx.ExecContext(ctx, s.dialect.UpsertWallet,
			wallet.Address,
			wallet.FirstSeenBlock,
			wallet.LastSeenBlock,
			wallet.TransactionCount,
			wallet.TotalInbound.String(),
			wallet.TotalOutbound.String(),
		); err != nil {
			return 0, fmt.Errorf("update wallet %s: %w", wallet.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) loadWallet(ctx context.Context, tx *sql.Tx, address string) (domain.WalletActivity, error) {
	wallet := domain.NewWalletActivity(address)
	err := tx.QueryRowContext(ctx, s.dialect.SelectWalletForUpdate, address).Scan(
		&wallet.Address,
		&wallet.FirstSeenBlock,
		&wallet.LastSeenBlock,
		&wallet.TransactionCount,
		&wallet.TotalInbound,
		&wallet.TotalOutbound,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewWalletActivity(address), nil
	}
	if err != nil {
		return domain.WalletActivity{}, fmt.Errorf("load wallet %s: %w", address, err)
	}
	return wallet, nil
}

func (s *Store) GetTransaction(ctx context.Context, hash string) (domain.IndexedTransaction, bool, error) {
	ctx, span := s.startSpan(ctx, "GetTransaction", attribute.String("tx.hash", hash))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE hash = ?`, strings.ToLower(hash))
	record, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IndexedTransaction{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.IndexedTransaction{}, false, &domain.StoreError{Op: "get transaction", Err: err}
	}
	return record, true, nil
}

func (s *Store) GetWalletActivity(ctx context.Context, address string) (domain.WalletActivity, bool, error) {
	ctx, span := s.startSpan(ctx, "GetWalletActivity", attribute.String("address", address))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	wallet := domain.NewWalletActivity("")
	err := s.db.QueryRowContext(ctx, `SELECT address, first_seen_block, last_seen_block, tx_count, total_inbound, total_outbound
		FROM wallets WHERE address = ?`, strings.ToLower(address)).Scan(
		&wallet.Address,
		&wallet.FirstSeenBlock,
		&wallet.LastSeenBlock,
		&wallet.TransactionCount,
		&wallet.TotalInbound,
		&wallet.TotalOutbound,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WalletActivity{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.WalletActivity{}, false, &domain.StoreError{Op: "get wallet", Err: err}
	}
	return wallet, true, nil
}

// ListWalletTransactions returns the newest transactions touching address.
func (s *Store) ListWalletTransactions(ctx context.Context, address string, limit int) ([]domain.IndexedTransaction, error) {
	ctx, span := s.startSpan(ctx, "ListWalletTransactions", attribute.String("address", address))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	address = strings.ToLower(address)
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE from_addr = ? OR to_addr = ?
		ORDER BY block_number DESC, tx_index DESC
		LIMIT ?`, address, address, normalizeLimit(limit))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.StoreError{Op: "list wallet transactions", Err: err}
	}
	defer rows.Close()

	var out []domain.IndexedTransaction
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, &domain.StoreError{Op: "list wallet transactions", Err: err}
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "list wallet transactions", Err: err}
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context) (domain.ScannerCheckpoint, error) {
	ctx, span := s.startSpan(ctx, "GetCheckpoint")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.SelectState, checkpointKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScannerCheckpoint{Status: domain.ScannerStatusStopped}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ScannerCheckpoint{}, &domain.StoreError{Op: "get checkpoint", Err: err}
	}
	var checkpoint domain.ScannerCheckpoint
	if err := json.Unmarshal([]byte(value), &checkpoint); err != nil {
		return domain.ScannerCheckpoint{}, &domain.StoreError{Op: "decode checkpoint", Err: err}
	}
	return checkpoint, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint domain.ScannerCheckpoint) error {
	ctx, span := s.startSpan(ctx, "SaveCheckpoint", attribute.Int64("block.number", int64(checkpoint.LastScannedBlock)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return &domain.StoreError{Op: "encode checkpoint", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.UpsertState, checkpointKey, string(payload)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &domain.StoreError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// ResetCheckpoint removes the persisted cursor so the next start begins at
// the configured start block.
func (s *Store) ResetCheckpoint(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.dialect.DeleteState, checkpointKey); err != nil {
		return &domain.StoreError{Op: "reset checkpoint", Err: err}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return &domain.StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", s.dialect.Name))
	return otel.Tracer("txscan/sqlstore").Start(ctx, s.dialect.Name+"."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

const transactionColumns = `hash, block_number, block_timestamp, tx_index, from_addr, to_addr, asset, value_raw, value_normalized, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.IndexedTransaction, error) {
	var (
		record domain.IndexedTransaction
		status string
	)
	if err := row.Scan(
		&record.Hash,
		&record.BlockNumber,
		&record.BlockTimestamp,
		&record.TransactionIndex,
		&record.From,
		&record.To,
		&record.Asset,
		&record.ValueRaw,
		&record.ValueNormalized,
		&status,
	); err != nil {
		return domain.IndexedTransaction{}, err
	}
	record.Status = domain.TxStatus(status)
	return record, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
