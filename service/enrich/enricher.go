package enrich

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/brojonat/solenrich/service/metrics"
	"golang.org/x/sync/errgroup"
)

// Enricher turns raw webhook transactions into enriched transactions. It
// holds no per-transaction state and is safe for concurrent use.
type Enricher struct {
	registry   *Registry
	matcher    *Matcher
	classifier *Classifier
	workers    int
	metrics    *metrics.Metrics
	logger     *slog.Logger

	classify func(*RawTransaction, []MatchedInstruction, *BalanceDeltas) Classification
}

// NewEnricher creates an enricher over registry. workers bounds the batch
// pool; zero or less means one worker per CPU. metrics may be nil.
func NewEnricher(registry *Registry, workers int, m *metrics.Metrics, logger *slog.Logger) *Enricher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	classifier := NewClassifier(registry)
	return &Enricher{
		registry:   registry,
		matcher:    NewMatcher(registry),
		classifier: classifier,
		workers:    workers,
		metrics:    m,
		logger:     logger.With("component", "enricher"),
		classify:   classifier.Classify,
	}
}

// Registry returns the registry the enricher was built with.
func (e *Enricher) Registry() *Registry {
	return e.registry
}

// Enrich classifies a single transaction. The returned record is never nil.
// An ErrMalformedBalanceData or ErrAssembly error is also recorded in the
// record's Error field, and its event is left empty.
func (e *Enricher) Enrich(raw *RawTransaction) (*EnrichedTransaction, error) {
	start := time.Now()
	logger := e.logger.With("signature", raw.Signature())

	resolved, ixErrs := IndexInstructions(raw)
	for _, err := range ixErrs {
		logger.Warn("skipping instruction", "error", err)
	}
	if len(ixErrs) > 0 && e.metrics != nil {
		e.metrics.RecordInstructionsSkipped(len(ixErrs))
	}
	tree := BuildInstructionTree(resolved)

	balances, err := ExtractBalances(raw)
	if err != nil {
		logger.Error("failed to extract balances", "error", err)
		if e.metrics != nil {
			e.metrics.RecordEnrichError("malformed_balance_data")
		}
		return failedTransaction(raw, tree, err), err
	}

	matched := e.matcher.MatchAll(resolved)
	cls := e.classify(raw, matched, balances)

	var assemblyErr error
	if n := cls.Event.Populated(); n > 1 {
		assemblyErr = fmt.Errorf("%w: %d event variants populated", ErrAssembly, n)
		logger.Error("classifier produced an inconsistent event", "error", assemblyErr)
		if e.metrics != nil {
			e.metrics.RecordEnrichError("assembly")
		}
		cls = e.classifier.Fallback(raw, matched, balances)
	}

	tx := &EnrichedTransaction{
		Type:             cls.Type,
		Source:           cls.Source,
		Fee:              raw.Meta.Fee,
		FeePayer:         raw.FeePayer(),
		Signature:        raw.Signature(),
		Slot:             raw.Slot,
		Timestamp:        raw.BlockTime,
		NativeTransfers:  balances.NativeTransfers,
		TokenTransfers:   balances.TokenTransfers,
		AccountData:      balances.AccountData,
		TransactionError: raw.TransactionError(),
		Instructions:     tree,
		Events:           cls.Event,
	}
	tx.Description = describe(tx, cls)
	if assemblyErr != nil {
		tx.Error = assemblyErr.Error()
	}

	if e.metrics != nil {
		e.metrics.RecordEnrichment(string(tx.Type), string(tx.Source), time.Since(start).Seconds())
	}
	logger.Debug("enriched transaction", "type", tx.Type, "source", tx.Source)
	return tx, assemblyErr
}

// failedTransaction is the record emitted for a transaction that could not be
// enriched. It carries the passthrough metadata, no event and the reason.
func failedTransaction(raw *RawTransaction, tree []Instruction, err error) *EnrichedTransaction {
	if tree == nil {
		tree = []Instruction{}
	}
	return &EnrichedTransaction{
		Type:             TransactionTypeUnknown,
		Source:           SourceUnknown,
		Fee:              raw.Meta.Fee,
		FeePayer:         raw.FeePayer(),
		Signature:        raw.Signature(),
		Slot:             raw.Slot,
		Timestamp:        raw.BlockTime,
		NativeTransfers:  []NativeTransfer{},
		TokenTransfers:   []TokenTransfer{},
		AccountData:      []AccountData{},
		TransactionError: raw.TransactionError(),
		Instructions:     tree,
		Error:            err.Error(),
	}
}

// EnrichBatch enriches raws concurrently and returns exactly one record per
// input, in input order. Records that failed carry their reason in Error.
// When ctx is cancelled, transactions not yet started are returned with the
// context error and ctx.Err() is returned.
func (e *Enricher) EnrichBatch(ctx context.Context, raws []RawTransaction) ([]EnrichedTransaction, error) {
	if e.metrics != nil {
		e.metrics.RecordBatchSize(len(raws))
	}

	results := make([]EnrichedTransaction, len(raws))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range raws {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = *failedTransaction(&raws[i], nil, err)
				return nil
			}
			results[i] = *e.enrichRecovered(&raws[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

func (e *Enricher) enrichRecovered(raw *RawTransaction) (tx *EnrichedTransaction) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during enrichment: %v", r)
			e.logger.Error("recovered from panic",
				"signature", raw.Signature(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if e.metrics != nil {
				e.metrics.RecordEnrichError("panic")
			}
			tx = failedTransaction(raw, nil, err)
		}
	}()
	tx, _ = e.Enrich(raw)
	return tx
}
