package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/solenrich/service/enrich"
	"github.com/brojonat/solenrich/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const table = "enriched_transactions"

// ErrNotFound is returned when no enriched transaction matches a signature.
var ErrNotFound = errors.New("enriched transaction not found")

// Store provides database operations for enriched transactions.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// StoredTransaction is an enriched transaction as persisted, with the
// indexed columns lifted out of the JSON payload.
type StoredTransaction struct {
	Signature   string
	Slot        uint64
	BlockTime   time.Time
	Type        enrich.TransactionType
	Source      enrich.Source
	FeePayer    string
	Fee         uint64
	Description string
	Error       *string
	Transaction enrich.EnrichedTransaction
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListEnrichedTransactionsParams filters and paginates a listing.
// Nil filters match everything.
type ListEnrichedTransactionsParams struct {
	FeePayer *string
	Type     *enrich.TransactionType
	Source   *enrich.Source
	Limit    int32
	Offset   int32
}

// EnsureSchema creates the enriched_transactions table and its indexes if
// they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const upsertEnrichedTransaction = `
INSERT INTO enriched_transactions (
    signature, slot, block_time, type, source, fee_payer, fee, description, error, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (signature) DO UPDATE SET
    slot = EXCLUDED.slot,
    block_time = EXCLUDED.block_time,
    type = EXCLUDED.type,
    source = EXCLUDED.source,
    fee_payer = EXCLUDED.fee_payer,
    fee = EXCLUDED.fee,
    description = EXCLUDED.description,
    error = EXCLUDED.error,
    payload = EXCLUDED.payload,
    updated_at = NOW()
RETURNING created_at, updated_at`

// UpsertEnrichedTransaction inserts an enriched transaction, replacing any
// previous record with the same signature.
func (s *Store) UpsertEnrichedTransaction(ctx context.Context, tx *enrich.EnrichedTransaction) (*StoredTransaction, error) {
	start := time.Now()

	args, err := upsertArgs(tx)
	if err != nil {
		return nil, err
	}

	stored := storedFromEnriched(tx)
	err = s.pool.QueryRow(ctx, upsertEnrichedTransaction, args...).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	s.record("upsert", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert transaction %s: %w", tx.Signature, err)
	}

	return stored, nil
}

// UpsertEnrichedTransactions writes a batch of enriched transactions in a
// single round trip. Records without a signature are skipped. Returns the
// number of rows written.
func (s *Store) UpsertEnrichedTransactions(ctx context.Context, txs []enrich.EnrichedTransaction) (int, error) {
	start := time.Now()

	batch := &pgx.Batch{}
	for i := range txs {
		if txs[i].Signature == "" {
			continue
		}
		args, err := upsertArgs(&txs[i])
		if err != nil {
			return 0, err
		}
		batch.Queue(upsertEnrichedTransaction, args...)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	results := s.pool.SendBatch(ctx, batch)
	written := 0
	var batchErr error
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			batchErr = fmt.Errorf("failed to upsert batch item %d: %w", i, err)
			break
		}
		written++
	}
	if err := results.Close(); err != nil && batchErr == nil {
		batchErr = fmt.Errorf("failed to close batch: %w", err)
	}
	s.record("upsert_batch", start, batchErr)

	return written, batchErr
}

const getEnrichedTransaction = `
SELECT signature, slot, block_time, type, source, fee_payer, fee, description, error, payload, created_at, updated_at
FROM enriched_transactions
WHERE signature = $1`

// GetEnrichedTransaction retrieves an enriched transaction by signature.
// Returns ErrNotFound when no record exists.
func (s *Store) GetEnrichedTransaction(ctx context.Context, signature string) (*StoredTransaction, error) {
	start := time.Now()

	stored, err := scanStored(s.pool.QueryRow(ctx, getEnrichedTransaction, signature))
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get", start, nil)
		return nil, ErrNotFound
	}
	s.record("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", signature, err)
	}

	return stored, nil
}

const listEnrichedTransactions = `
SELECT signature, slot, block_time, type, source, fee_payer, fee, description, error, payload, created_at, updated_at
FROM enriched_transactions
WHERE ($1::text IS NULL OR fee_payer = $1)
  AND ($2::text IS NULL OR type = $2)
  AND ($3::text IS NULL OR source = $3)
ORDER BY block_time DESC, slot DESC, signature
LIMIT $4 OFFSET $5`

// ListEnrichedTransactions retrieves enriched transactions, newest first.
func (s *Store) ListEnrichedTransactions(ctx context.Context, params ListEnrichedTransactionsParams) ([]*StoredTransaction, error) {
	start := time.Now()

	var txType, source pgtype.Text
	if params.Type != nil {
		txType = pgtype.Text{String: string(*params.Type), Valid: true}
	}
	if params.Source != nil {
		source = pgtype.Text{String: string(*params.Source), Valid: true}
	}

	rows, err := s.pool.Query(ctx, listEnrichedTransactions,
		pgtextFromStringPtr(params.FeePayer),
		txType,
		source,
		params.Limit,
		params.Offset,
	)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	transactions := []*StoredTransaction{}
	for rows.Next() {
		stored, err := scanStored(rows)
		if err != nil {
			s.record("list", start, err)
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, stored)
	}
	err = rows.Err()
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	return transactions, nil
}

const existingSignatures = `
SELECT signature
FROM enriched_transactions
WHERE signature = ANY($1::text[])`

// ExistingSignatures returns the subset of signatures already stored, in no
// particular order.
func (s *Store) ExistingSignatures(ctx context.Context, signatures []string) ([]string, error) {
	if len(signatures) == 0 {
		return []string{}, nil
	}
	start := time.Now()

	rows, err := s.pool.Query(ctx, existingSignatures, signatures)
	if err != nil {
		s.record("existing", start, err)
		return nil, fmt.Errorf("failed to query existing signatures: %w", err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	s.record("existing", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing signatures: %w", err)
	}

	return existing, nil
}

const countByType = `
SELECT type, COUNT(*)
FROM enriched_transactions
GROUP BY type`

// CountByType returns the number of stored transactions per type.
func (s *Store) CountByType(ctx context.Context) (map[enrich.TransactionType]int64, error) {
	start := time.Now()

	rows, err := s.pool.Query(ctx, countByType)
	if err != nil {
		s.record("count", start, err)
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	counts := map[enrich.TransactionType]int64{}
	for rows.Next() {
		var txType string
		var count int64
		if err := rows.Scan(&txType, &count); err != nil {
			s.record("count", start, err)
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[enrich.ParseTransactionType(txType)] = count
	}
	err = rows.Err()
	s.record("count", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	return counts, nil
}

// DeleteEnrichedTransaction removes a stored transaction. Deleting a missing
// signature is not an error.
func (s *Store) DeleteEnrichedTransaction(ctx context.Context, signature string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM enriched_transactions WHERE signature = $1`, signature)
	s.record("delete", start, err)
	return err
}

func (s *Store) record(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

func upsertArgs(tx *enrich.EnrichedTransaction) ([]any, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction %s: %w", tx.Signature, err)
	}

	var errText *string
	if tx.Error != "" {
		errText = &tx.Error
	}

	return []any{
		tx.Signature,
		int64(tx.Slot),
		pgtype.Timestamptz{Time: time.Unix(tx.Timestamp, 0).UTC(), Valid: true},
		string(tx.Type),
		string(tx.Source),
		tx.FeePayer,
		int64(tx.Fee),
		tx.Description,
		pgtextFromStringPtr(errText),
		payload,
	}, nil
}

func storedFromEnriched(tx *enrich.EnrichedTransaction) *StoredTransaction {
	stored := &StoredTransaction{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		BlockTime:   time.Unix(tx.Timestamp, 0).UTC(),
		Type:        tx.Type,
		Source:      tx.Source,
		FeePayer:    tx.FeePayer,
		Fee:         tx.Fee,
		Description: tx.Description,
		Transaction: *tx,
	}
	if tx.Error != "" {
		errText := tx.Error
		stored.Error = &errText
	}
	return stored
}

func scanStored(row pgx.Row) (*StoredTransaction, error) {
	var (
		stored    StoredTransaction
		slot      int64
		fee       int64
		txType    string
		source    string
		blockTime pgtype.Timestamptz
		errText   pgtype.Text
		payload   []byte
	)
	err := row.Scan(
		&stored.Signature,
		&slot,
		&blockTime,
		&txType,
		&source,
		&stored.FeePayer,
		&fee,
		&stored.Description,
		&errText,
		&payload,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &stored.Transaction); err != nil {
		return nil, fmt.Errorf("failed to decode payload for %s: %w", stored.Signature, err)
	}

	stored.Slot = uint64(slot)
	stored.Fee = uint64(fee)
	stored.Type = enrich.ParseTransactionType(txType)
	stored.Source = enrich.ParseSource(source)
	stored.BlockTime = blockTime.Time
	stored.Error = stringPtrFromPgtext(errText)

	return &stored, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
