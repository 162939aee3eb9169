package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// ErrAlreadyLinked is returned when a receipt or transaction hash already has a link.
var ErrAlreadyLinked = errors.New("receipt or transaction already linked")

// Store provides database operations for the service.
// Missing rows surface as pgx.ErrNoRows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const bindingColumns = `document_id, merchant_wallet, brand_key, split_address, recipients, created_at, updated_at`

// UpsertBinding creates or replaces a split binding and returns the stored row.
func (s *Store) UpsertBinding(ctx context.Context, b SplitBinding) (*SplitBinding, error) {
	recipients, err := json.Marshal(nonNilRecipients(b.Recipients))
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipients: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO split_bindings (document_id, merchant_wallet, brand_key, split_address, recipients)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, merchant_wallet) DO UPDATE
		SET brand_key = EXCLUDED.brand_key,
		    split_address = EXCLUDED.split_address,
		    recipients = EXCLUDED.recipients,
		    updated_at = NOW()
		RETURNING `+bindingColumns,
		b.DocumentID, b.MerchantWallet, b.BrandKey, b.SplitAddress, recipients)

	return scanBinding(row)
}

// GetBinding retrieves a binding by document id and merchant wallet.
func (s *Store) GetBinding(ctx context.Context, merchantWallet, documentID string) (*SplitBinding, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bindingColumns+` FROM split_bindings
		WHERE document_id = $1 AND merchant_wallet = $2`, documentID, merchantWallet)
	return scanBinding(row)
}

// ListBindingsBySplitAddress returns every binding, across merchants, that points at a split contract.
func (s *Store) ListBindingsBySplitAddress(ctx context.Context, splitAddress string) ([]*SplitBinding, error) {
	return s.queryBindings(ctx, `SELECT `+bindingColumns+` FROM split_bindings
		WHERE split_address = $1 ORDER BY created_at ASC`, splitAddress)
}

// ListBindingsByMerchant returns a merchant's bindings, most recently updated first.
func (s *Store) ListBindingsByMerchant(ctx context.Context, merchantWallet string) ([]*SplitBinding, error) {
	return s.queryBindings(ctx, `SELECT `+bindingColumns+` FROM split_bindings
		WHERE merchant_wallet = $1 ORDER BY updated_at DESC`, merchantWallet)
}

// ListAllBindings returns all bindings ordered by split address.
func (s *Store) ListAllBindings(ctx context.Context) ([]*SplitBinding, error) {
	return s.queryBindings(ctx, `SELECT `+bindingColumns+` FROM split_bindings
		ORDER BY split_address, created_at ASC`)
}

// DeleteBinding removes a binding. Deleting a missing binding is not an error.
func (s *Store) DeleteBinding(ctx context.Context, merchantWallet, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM split_bindings WHERE document_id = $1 AND merchant_wallet = $2`,
		documentID, merchantWallet)
	return err
}

func (s *Store) queryBindings(ctx context.Context, query string, args ...any) ([]*SplitBinding, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := []*SplitBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

const txColumns = `tx_hash, recipient, token, log_index, split_address, merchant_wallet, block_number,
	amount, amount_raw, from_address, kind, release_type, block_time, indexed_at, correlation_id`

// InsertSplitTransaction writes an event if its (tx hash, recipient, token) key is new.
// Returns false when the row already existed.
func (s *Store) InsertSplitTransaction(ctx context.Context, t SplitTransaction) (bool, error) {
	indexedAt := t.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}

	var inserted string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO split_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tx_hash, recipient, token) DO NOTHING
		RETURNING tx_hash`,
		t.TxHash, t.Recipient, t.Token, int32(t.LogIndex), t.SplitAddress, t.MerchantWallet,
		int64(t.BlockNumber), numericFromDecimal(t.Amount), t.AmountRaw, t.From, t.Kind,
		t.ReleaseType, pgtype.Timestamptz{Time: t.Timestamp, Valid: true},
		pgtype.Timestamptz{Time: indexedAt, Valid: true}, t.CorrelationID,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListSplitTransactions returns ledger rows for a split, oldest first unless NewestFirst is set.
func (s *Store) ListSplitTransactions(ctx context.Context, params ListSplitTransactionsParams) ([]*SplitTransaction, error) {
	var sb strings.Builder
	args := []any{params.SplitAddress}
	sb.WriteString(`SELECT ` + txColumns + ` FROM split_transactions WHERE split_address = $1`)

	if len(params.TxHashes) > 0 {
		args = append(args, params.TxHashes)
		fmt.Fprintf(&sb, " AND tx_hash = ANY($%d::text[])", len(args))
	}
	if params.Kind != "" {
		args = append(args, params.Kind)
		fmt.Fprintf(&sb, " AND kind = $%d", len(args))
	}
	if params.NewestFirst {
		sb.WriteString(" ORDER BY block_number DESC, log_index DESC")
	} else {
		sb.WriteString(" ORDER BY block_number ASC, log_index ASC")
	}
	if params.Limit > 0 {
		args = append(args, params.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := []*SplitTransaction{}
	for rows.Next() {
		t, err := scanSplitTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// CountSplitTransactions counts ledger rows for a split.
func (s *Store) CountSplitTransactions(ctx context.Context, splitAddress string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM split_transactions WHERE split_address = $1`,
		splitAddress).Scan(&count)
	return count, err
}

// GetSplitIndex returns the cursor and metrics for a (merchant, split) pair.
func (s *Store) GetSplitIndex(ctx context.Context, merchantWallet, splitAddress string) (*SplitIndex, error) {
	var (
		idx       SplitIndex
		lastBlock int64
		metrics   []byte
		indexedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT merchant_wallet, split_address, last_block, metrics, last_indexed_at, correlation_id
		FROM split_indexes WHERE merchant_wallet = $1 AND split_address = $2`,
		merchantWallet, splitAddress,
	).Scan(&idx.MerchantWallet, &idx.SplitAddress, &lastBlock, &metrics, &indexedAt, &idx.CorrelationID)
	if err != nil {
		return nil, err
	}
	idx.LastBlock = uint64(lastBlock)
	idx.LastIndexedAt = indexedAt.Time
	if err := json.Unmarshal(metrics, &idx.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode split metrics: %w", err)
	}
	return &idx, nil
}

// UpsertSplitIndex writes the cursor and metrics for a (merchant, split) pair.
func (s *Store) UpsertSplitIndex(ctx context.Context, idx SplitIndex) error {
	metrics, err := json.Marshal(idx.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode split metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO split_indexes (merchant_wallet, split_address, last_block, metrics, last_indexed_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (merchant_wallet, split_address) DO UPDATE
		SET last_block = EXCLUDED.last_block,
		    metrics = EXCLUDED.metrics,
		    last_indexed_at = EXCLUDED.last_indexed_at,
		    correlation_id = EXCLUDED.correlation_id`,
		idx.MerchantWallet, idx.SplitAddress, int64(idx.LastBlock), metrics,
		pgtype.Timestamptz{Time: idx.LastIndexedAt, Valid: true}, idx.CorrelationID)
	return err
}

const receiptColumns = `receipt_id, merchant_wallet, status, expected_token, expected_amount_token, expected_usd,
	total_usd, buyer_wallet, transaction_hash, transaction_timestamp, status_history, created_at, updated_at`

// UpsertReceipt creates or replaces a receipt.
func (s *Store) UpsertReceipt(ctx context.Context, r Receipt) (*Receipt, error) {
	history, err := json.Marshal(nonNilHistory(r.StatusHistory))
	if err != nil {
		return nil, fmt.Errorf("failed to encode status history: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (receipt_id, merchant_wallet) DO UPDATE
		SET status = EXCLUDED.status,
		    expected_token = EXCLUDED.expected_token,
		    expected_amount_token = EXCLUDED.expected_amount_token,
		    expected_usd = EXCLUDED.expected_usd,
		    total_usd = EXCLUDED.total_usd,
		    buyer_wallet = EXCLUDED.buyer_wallet,
		    transaction_hash = EXCLUDED.transaction_hash,
		    transaction_timestamp = EXCLUDED.transaction_timestamp,
		    status_history = EXCLUDED.status_history,
		    updated_at = NOW()
		RETURNING `+receiptColumns,
		r.ReceiptID, r.MerchantWallet, r.Status, r.ExpectedToken,
		numericFromNullDecimal(r.ExpectedAmountToken), numericFromNullDecimal(r.ExpectedUSD),
		numericFromNullDecimal(r.TotalUSD), r.BuyerWallet, r.TransactionHash,
		pgTimestamptzFromTimePtr(r.TransactionTimestamp), history,
		pgtype.Timestamptz{Time: createdAt, Valid: true})

	return scanReceipt(row)
}

// GetReceipt retrieves a receipt by id within a merchant's partition.
func (s *Store) GetReceipt(ctx context.Context, merchantWallet, receiptID string) (*Receipt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts
		WHERE receipt_id = $1 AND merchant_wallet = $2`, receiptID, merchantWallet)
	return scanReceipt(row)
}

// ListReceipts returns a merchant's receipts matching the filter, newest first.
func (s *Store) ListReceipts(ctx context.Context, params ListReceiptsParams) ([]*Receipt, error) {
	var sb strings.Builder
	args := []any{params.MerchantWallet}
	sb.WriteString(`SELECT ` + receiptColumns + ` FROM receipts WHERE merchant_wallet = $1`)

	if len(params.Statuses) > 0 {
		args = append(args, params.Statuses)
		fmt.Fprintf(&sb, " AND status = ANY($%d::text[])", len(args))
	}
	if !params.CreatedAfter.IsZero() {
		args = append(args, pgtype.Timestamptz{Time: params.CreatedAfter, Valid: true})
		fmt.Fprintf(&sb, " AND created_at >= $%d", len(args))
	}
	if params.OnlyUnlinked {
		sb.WriteString(" AND transaction_hash = ''")
	}
	sb.WriteString(" ORDER BY created_at DESC")

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := []*Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// ListReceiptsByTxHashes returns a merchant's receipts that already carry one of the given transaction hashes.
func (s *Store) ListReceiptsByTxHashes(ctx context.Context, merchantWallet string, txHashes []string) ([]*Receipt, error) {
	receipts := []*Receipt{}
	if len(txHashes) == 0 {
		return receipts, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT `+receiptColumns+` FROM receipts
		WHERE merchant_wallet = $1 AND transaction_hash = ANY($2::text[])`, merchantWallet, txHashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// LinkReceipt atomically records a receipt to transaction link and marks the receipt reconciled.
// Returns ErrAlreadyLinked if either side is already linked and pgx.ErrNoRows if the receipt is missing.
func (s *Store) LinkReceipt(ctx context.Context, params LinkReceiptParams) error {
	linkedAt := params.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = time.Now().UTC()
	}
	entry, err := json.Marshal([]StatusChange{{Status: ReceiptStatusReconciled, At: linkedAt, Note: params.Note}})
	if err != nil {
		return fmt.Errorf("failed to encode status change: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO receipt_tx_links (receipt_id, tx_hash, merchant_wallet, linked_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		params.ReceiptID, params.TxHash, params.MerchantWallet,
		pgtype.Timestamptz{Time: linkedAt, Valid: true}, params.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to insert receipt link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyLinked
	}

	tag, err = tx.Exec(ctx, `
		UPDATE receipts
		SET status = $3,
		    transaction_hash = $4,
		    transaction_timestamp = $5,
		    buyer_wallet = CASE WHEN buyer_wallet = '' THEN $6 ELSE buyer_wallet END,
		    status_history = status_history || $7::jsonb,
		    updated_at = $8
		WHERE receipt_id = $1 AND merchant_wallet = $2`,
		params.ReceiptID, params.MerchantWallet, ReceiptStatusReconciled, params.TxHash,
		pgtype.Timestamptz{Time: params.TxTimestamp, Valid: !params.TxTimestamp.IsZero()},
		params.BuyerWallet, entry, pgtype.Timestamptz{Time: linkedAt, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to update receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return tx.Commit(ctx)
}

// ListReceiptLinksByTxHashes returns existing links for the given transaction hashes.
func (s *Store) ListReceiptLinksByTxHashes(ctx context.Context, txHashes []string) ([]*ReceiptTxLink, error) {
	links := []*ReceiptTxLink{}
	if len(txHashes) == 0 {
		return links, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT receipt_id, tx_hash, merchant_wallet, linked_at, correlation_id
		FROM receipt_tx_links WHERE tx_hash = ANY($1::text[])`, txHashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l        ReceiptTxLink
			linkedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&l.ReceiptID, &l.TxHash, &l.MerchantWallet, &linkedAt, &l.CorrelationID); err != nil {
			return nil, err
		}
		l.LinkedAt = linkedAt.Time
		links = append(links, &l)
	}
	return links, rows.Err()
}

// Helper functions to convert between pgx types and domain types

func scanBinding(row pgx.Row) (*SplitBinding, error) {
	var (
		b          SplitBinding
		recipients []byte
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&b.DocumentID, &b.MerchantWallet, &b.BrandKey, &b.SplitAddress,
		&recipients, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipients, &b.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	b.CreatedAt = createdAt.Time
	b.UpdatedAt = updatedAt.Time
	return &b, nil
}

func scanSplitTransaction(row pgx.Row) (*SplitTransaction, error) {
	var (
		t           SplitTransaction
		logIndex    int32
		blockNumber int64
		amount      pgtype.Numeric
		blockTime   pgtype.Timestamptz
		indexedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&t.TxHash, &t.Recipient, &t.Token, &logIndex, &t.SplitAddress, &t.MerchantWallet,
		&blockNumber, &amount, &t.AmountRaw, &t.From, &t.Kind, &t.ReleaseType, &blockTime,
		&indexedAt, &t.CorrelationID); err != nil {
		return nil, err
	}
	t.LogIndex = uint(logIndex)
	t.BlockNumber = uint64(blockNumber)
	t.Amount = decimalFromNumeric(amount).Decimal
	t.Timestamp = blockTime.Time
	t.IndexedAt = indexedAt.Time
	return &t, nil
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var (
		r              Receipt
		expectedAmount pgtype.Numeric
		expectedUSD    pgtype.Numeric
		totalUSD       pgtype.Numeric
		txTimestamp    pgtype.Timestamptz
		history        []byte
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
	)
	if err := row.Scan(&r.ReceiptID, &r.MerchantWallet, &r.Status, &r.ExpectedToken, &expectedAmount,
		&expectedUSD, &totalUSD, &r.BuyerWallet, &r.TransactionHash, &txTimestamp, &history,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.ExpectedAmountToken = decimalFromNumeric(expectedAmount)
	r.ExpectedUSD = decimalFromNumeric(expectedUSD)
	r.TotalUSD = decimalFromNumeric(totalUSD)
	r.TransactionTimestamp = timePtrFromPgTimestamptz(txTimestamp)
	if err := json.Unmarshal(history, &r.StatusHistory); err != nil {
		return nil, fmt.Errorf("failed to decode status history: %w", err)
	}
	r.CreatedAt = createdAt.Time
	r.UpdatedAt = updatedAt.Time
	return &r, nil
}

func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func numericFromNullDecimal(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{Valid: false}
	}
	return numericFromDecimal(d.Decimal)
}

func decimalFromNumeric(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromBigInt(new(big.Int).Set(n.Int), n.Exp), Valid: true}
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nonNilRecipients(r []Recipient) []Recipient {
	if r == nil {
		return []Recipient{}
	}
	return r
}

func nonNilHistory(h []StatusChange) []StatusChange {
	if h == nil {
		return []StatusChange{}
	}
	return h
}
