package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solenrich/service/enrich"
	"github.com/brojonat/solenrich/service/metrics"
	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/brojonat/solenrich/service/solana"
)

// EnrichTransactionsInput contains the raw records for the EnrichTransactions activity.
type EnrichTransactionsInput struct {
	Transactions []enrich.RawTransaction `json:"transactions"`
}

// EnrichTransactionsResult holds one enriched record per input, in order.
type EnrichTransactionsResult struct {
	Transactions []enrich.EnrichedTransaction `json:"transactions"`
	Failed       int                          `json:"failed"` // records carrying an error
}

// WriteEnrichedTransactionsInput contains parameters for the WriteEnrichedTransactions activity.
type WriteEnrichedTransactionsInput struct {
	Transactions []enrich.EnrichedTransaction `json:"transactions"`
}

// WriteEnrichedTransactionsResult contains the result of writing transactions.
type WriteEnrichedTransactionsResult struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"` // records without a signature
}

// PublishEnrichedTransactionsInput contains parameters for the PublishEnrichedTransactions activity.
type PublishEnrichedTransactionsInput struct {
	Transactions []enrich.EnrichedTransaction `json:"transactions"`
}

// PublishEnrichedTransactionsResult contains the result of publishing.
type PublishEnrichedTransactionsResult struct {
	Published int `json:"published"`
}

// FetchRecentSignaturesInput contains parameters for the FetchRecentSignatures activity.
type FetchRecentSignaturesInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

// FetchRecentSignaturesResult lists signatures not yet stored, newest first.
type FetchRecentSignaturesResult struct {
	Signatures []string `json:"signatures"`
	Known      int      `json:"known"` // signatures dropped because they are already stored
}

// FetchRawTransactionsInput contains parameters for the FetchRawTransactions activity.
type FetchRawTransactionsInput struct {
	Signatures []string `json:"signatures"`
}

// FetchRawTransactionsResult holds the fetched records and the signatures
// the node no longer has.
type FetchRawTransactionsResult struct {
	Transactions []enrich.RawTransaction `json:"transactions"`
	Missing      []string                `json:"missing"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	UpsertEnrichedTransactions(ctx context.Context, txs []enrich.EnrichedTransaction) (int, error)
	ExistingSignatures(ctx context.Context, signatures []string) ([]string, error)
}

// SolanaClientInterface defines the Solana operations needed by activities.
// This allows for easy mocking in tests.
type SolanaClientInterface interface {
	FetchRawTransaction(ctx context.Context, signature string) (*enrich.RawTransaction, error)
	RecentSignatures(ctx context.Context, address string, limit int) ([]string, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishEnrichedBatch(ctx context.Context, events []*natspkg.EnrichedEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Store, SolanaClient and Publisher may be nil; the activities that need
// them fail when called without them.
type Activities struct {
	enricher     *enrich.Enricher
	store        StoreInterface
	solanaClient SolanaClientInterface
	publisher    PublisherInterface
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	enricher *enrich.Enricher,
	store StoreInterface,
	solanaClient SolanaClientInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		enricher:     enricher,
		store:        store,
		solanaClient: solanaClient,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
	}
}

func (a *Activities) recordDuration(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
	}
}

// EnrichTransactions runs the batch enricher over the input records.
func (a *Activities) EnrichTransactions(ctx context.Context, input EnrichTransactionsInput) (*EnrichTransactionsResult, error) {
	start := time.Now()
	defer a.recordDuration("EnrichTransactions", start)

	enriched, err := a.enricher.EnrichBatch(ctx, input.Transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to enrich batch: %w", err)
	}

	result := &EnrichTransactionsResult{Transactions: enriched}
	for i := range enriched {
		if enriched[i].Error != "" {
			result.Failed++
		}
	}

	a.logger.InfoContext(ctx, "enriched transactions",
		"count", len(enriched),
		"failed", result.Failed,
	)

	return result, nil
}

// WriteEnrichedTransactions persists enriched records. Re-running it is safe
// because writes are upserts keyed by signature.
func (a *Activities) WriteEnrichedTransactions(ctx context.Context, input WriteEnrichedTransactionsInput) (*WriteEnrichedTransactionsResult, error) {
	start := time.Now()
	defer a.recordDuration("WriteEnrichedTransactions", start)

	if a.store == nil {
		return nil, errors.New("store is not configured")
	}

	written, err := a.store.UpsertEnrichedTransactions(ctx, input.Transactions)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to write enriched transactions",
			"count", len(input.Transactions),
			"error", err,
		)
		return nil, fmt.Errorf("failed to write enriched transactions: %w", err)
	}

	result := &WriteEnrichedTransactionsResult{
		Written: written,
		Skipped: len(input.Transactions) - written,
	}

	a.logger.InfoContext(ctx, "wrote enriched transactions",
		"written", result.Written,
		"skipped", result.Skipped,
	)

	return result, nil
}

// PublishEnrichedTransactions publishes enriched records to NATS. Records
// that failed enrichment are not published.
func (a *Activities) PublishEnrichedTransactions(ctx context.Context, input PublishEnrichedTransactionsInput) (*PublishEnrichedTransactionsResult, error) {
	start := time.Now()
	defer a.recordDuration("PublishEnrichedTransactions", start)

	if a.publisher == nil {
		return nil, errors.New("publisher is not configured")
	}

	events := make([]*natspkg.EnrichedEvent, 0, len(input.Transactions))
	for i := range input.Transactions {
		if input.Transactions[i].Error != "" || input.Transactions[i].Signature == "" {
			continue
		}
		events = append(events, natspkg.FromEnriched(&input.Transactions[i]))
	}

	if err := a.publisher.PublishEnrichedBatch(ctx, events); err != nil {
		return nil, fmt.Errorf("failed to publish enriched transactions: %w", err)
	}

	a.logger.InfoContext(ctx, "published enriched transactions", "count", len(events))

	return &PublishEnrichedTransactionsResult{Published: len(events)}, nil
}

// FetchRecentSignatures lists recent signatures for an address and drops
// those already stored.
func (a *Activities) FetchRecentSignatures(ctx context.Context, input FetchRecentSignaturesInput) (*FetchRecentSignaturesResult, error) {
	start := time.Now()
	defer a.recordDuration("FetchRecentSignatures", start)

	if a.solanaClient == nil {
		return nil, errors.New("solana client is not configured")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}

	signatures, err := a.solanaClient.RecentSignatures(ctx, input.Address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures: %w", err)
	}

	result := &FetchRecentSignaturesResult{Signatures: signatures}
	if a.store == nil || len(signatures) == 0 {
		return result, nil
	}

	existing, err := a.store.ExistingSignatures(ctx, signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to get existing signatures: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, sig := range existing {
		known[sig] = struct{}{}
	}

	fresh := make([]string, 0, len(signatures))
	for _, sig := range signatures {
		if _, ok := known[sig]; ok {
			continue
		}
		fresh = append(fresh, sig)
	}
	result.Signatures = fresh
	result.Known = len(signatures) - len(fresh)

	a.logger.InfoContext(ctx, "fetched recent signatures",
		"address", input.Address,
		"new", len(fresh),
		"known", result.Known,
	)

	return result, nil
}

// FetchRawTransactions fetches raw records by signature. Signatures the node
// no longer has are reported as missing rather than failing the activity.
func (a *Activities) FetchRawTransactions(ctx context.Context, input FetchRawTransactionsInput) (*FetchRawTransactionsResult, error) {
	start := time.Now()
	defer a.recordDuration("FetchRawTransactions", start)

	if a.solanaClient == nil {
		return nil, errors.New("solana client is not configured")
	}

	result := &FetchRawTransactionsResult{
		Transactions: make([]enrich.RawTransaction, 0, len(input.Signatures)),
		Missing:      []string{},
	}
	for _, sig := range input.Signatures {
		raw, err := a.solanaClient.FetchRawTransaction(ctx, sig)
		if errors.Is(err, solana.ErrTransactionNotFound) {
			a.logger.WarnContext(ctx, "transaction not found", "signature", sig)
			result.Missing = append(result.Missing, sig)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transaction %s: %w", sig, err)
		}
		result.Transactions = append(result.Transactions, *raw)
	}

	return result, nil
}
