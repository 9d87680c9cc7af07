package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/solenrich/service/db"
	"github.com/brojonat/solenrich/service/enrich"
	"github.com/brojonat/solenrich/service/metrics"
	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/brojonat/solenrich/service/solana"
	"github.com/brojonat/solenrich/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxWebhookBodySize = 32 << 20 // 32MB - a full webhook batch with logs
	maxRequestBodySize = 1 << 20  // 1MB - plenty for schedule registration
	maxAddressLength   = 100      // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 100      // Solana signatures are 88 chars, give buffer
	minBackfillEvery   = 10 * time.Second
	maxBackfillEvery   = 24 * time.Hour
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validBase58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleWebhook returns a handler that enriches a webhook delivery.
// POST /api/v1/webhooks[?async=true]
//
// The body is a JSON array of raw transactions. The response is the enriched
// batch, one record per input in input order. Signatures already seen within
// the de-duplication window are enriched and returned but not persisted or
// published again.
func handleWebhook(deps Dependencies, maxBatchSize int, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	recordDelivery := func(status string) {
		if m != nil {
			m.RecordWebhookDelivery(status)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)

		var raws []enrich.RawTransaction
		if err := json.NewDecoder(r.Body).Decode(&raws); err != nil {
			logger.Debug("failed to decode webhook delivery", "error", err)
			recordDelivery("invalid")
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large: maximum size is 32MB", http.StatusRequestEntityTooLarge)
				return
			}
			writeError(w, "invalid request body: must be a JSON array of transactions", http.StatusBadRequest)
			return
		}

		if len(raws) > maxBatchSize {
			recordDelivery("too_large")
			writeError(w, fmt.Sprintf("batch too large: maximum is %d transactions", maxBatchSize), http.StatusRequestEntityTooLarge)
			return
		}

		if len(raws) == 0 {
			recordDelivery("empty")
			writeJSON(w, []enrich.EnrichedTransaction{}, http.StatusOK)
			return
		}

		fresh := freshMask(r, deps.Deduper, raws, m, logger)

		if r.URL.Query().Get("async") == "true" {
			if deps.Scheduler == nil {
				recordDelivery("invalid")
				writeError(w, "async enrichment is not enabled", http.StatusBadRequest)
				return
			}

			batch := make([]enrich.RawTransaction, 0, len(raws))
			for i := range raws {
				if fresh[i] {
					batch = append(batch, raws[i])
				}
			}

			resp := map[string]interface{}{
				"count":      len(batch),
				"duplicates": len(raws) - len(batch),
			}
			if len(batch) > 0 {
				workflowID, err := deps.Scheduler.StartEnrichBatch(ctx, temporal.EnrichBatchInput{
					Transactions: batch,
					Persist:      deps.Store != nil,
					Publish:      deps.Publisher != nil,
				})
				if err != nil {
					logger.Error("failed to start enrich batch", "count", len(batch), "error", err)
					forget(r, deps.Deduper, raws, fresh, logger)
					recordDelivery("error")
					writeError(w, "failed to start enrichment", http.StatusInternalServerError)
					return
				}
				resp["workflow_id"] = workflowID
			}

			recordDelivery("accepted")
			writeJSON(w, resp, http.StatusAccepted)
			return
		}

		enriched, err := deps.Enricher.EnrichBatch(ctx, raws)
		if err != nil {
			// The client went away; nothing is persisted.
			logger.Warn("webhook enrichment interrupted", "count", len(raws), "error", err)
			forget(r, deps.Deduper, raws, fresh, logger)
			recordDelivery("cancelled")
			writeError(w, "enrichment interrupted", http.StatusServiceUnavailable)
			return
		}

		toWrite := make([]enrich.EnrichedTransaction, 0, len(enriched))
		toPublish := make([]*natspkg.EnrichedEvent, 0, len(enriched))
		for i := range enriched {
			if !fresh[i] {
				continue
			}
			toWrite = append(toWrite, enriched[i])
			if enriched[i].Error == "" && enriched[i].Signature != "" {
				toPublish = append(toPublish, natspkg.FromEnriched(&enriched[i]))
			}
		}

		if deps.Store != nil && len(toWrite) > 0 {
			if _, err := deps.Store.UpsertEnrichedTransactions(ctx, toWrite); err != nil {
				logger.Error("failed to persist enriched transactions", "count", len(toWrite), "error", err)
				forget(r, deps.Deduper, raws, fresh, logger)
				recordDelivery("error")
				writeError(w, "failed to persist enriched transactions", http.StatusInternalServerError)
				return
			}
		}

		if deps.Publisher != nil && len(toPublish) > 0 {
			// Stored records are the source of truth; a failed publish does not fail the delivery.
			if err := deps.Publisher.PublishEnrichedBatch(ctx, toPublish); err != nil {
				logger.Warn("failed to publish enriched transactions", "count", len(toPublish), "error", err)
			}
		}

		logger.Info("webhook delivery enriched",
			"count", len(enriched),
			"fresh", len(toWrite),
			"published", len(toPublish),
		)

		recordDelivery("ok")
		w.Header().Set("X-Duplicate-Count", strconv.Itoa(len(raws)-len(toWrite)))
		writeJSON(w, enriched, http.StatusOK)
	})
}

// freshMask marks the records that have not been seen before. Without a
// deduper, or when the deduper fails, every record is fresh.
func freshMask(r *http.Request, deduper Deduper, raws []enrich.RawTransaction, m *metrics.Metrics, logger *slog.Logger) []bool {
	fresh := make([]bool, len(raws))
	for i := range fresh {
		fresh[i] = true
	}
	if deduper == nil {
		return fresh
	}

	sigs := make([]string, len(raws))
	for i := range raws {
		sigs[i] = raws[i].Signature()
	}

	seen, err := deduper.SeenBatch(r.Context(), sigs)
	if err != nil {
		logger.Warn("de-duplication unavailable, treating batch as fresh", "error", err)
		return fresh
	}

	duplicates := 0
	for i := range seen {
		if seen[i] {
			fresh[i] = false
			duplicates++
		}
	}
	if duplicates > 0 {
		logger.Info("skipping duplicate deliveries", "duplicates", duplicates)
		if m != nil {
			m.RecordDuplicates(duplicates)
		}
	}
	return fresh
}

// forget releases the de-duplication keys of fresh records so a retried
// delivery is processed again.
func forget(r *http.Request, deduper Deduper, raws []enrich.RawTransaction, fresh []bool, logger *slog.Logger) {
	if deduper == nil {
		return
	}
	for i := range raws {
		if !fresh[i] {
			continue
		}
		sig := raws[i].Signature()
		if err := deduper.Forget(r.Context(), sig); err != nil {
			logger.Warn("failed to release de-duplication key", "signature", sig, "error", err)
		}
	}
}

// handleBackfillSignature returns a handler that fetches a transaction from
// RPC, enriches it and stores the result.
// POST /api/v1/backfill/{signature}
func handleBackfillSignature(deps Dependencies, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Solana == nil {
			writeError(w, "backfill is not enabled", http.StatusServiceUnavailable)
			return
		}

		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			logger.Debug("invalid signature", "signature", signature, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		raw, err := deps.Solana.FetchRawTransaction(r.Context(), signature)
		if errors.Is(err, solana.ErrTransactionNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to fetch transaction", "signature", signature, "error", err)
			writeError(w, "failed to fetch transaction", http.StatusBadGateway)
			return
		}

		tx, err := deps.Enricher.Enrich(raw)
		if err != nil {
			logger.Warn("backfilled transaction enriched with error", "signature", signature, "error", err)
		}

		if deps.Store != nil {
			if _, err := deps.Store.UpsertEnrichedTransaction(r.Context(), tx); err != nil {
				logger.Error("failed to store backfilled transaction", "signature", signature, "error", err)
				writeError(w, "failed to store transaction", http.StatusInternalServerError)
				return
			}
		}

		if deps.Publisher != nil && tx.Error == "" {
			if err := deps.Publisher.PublishEnrichedBatch(r.Context(), []*natspkg.EnrichedEvent{natspkg.FromEnriched(tx)}); err != nil {
				logger.Warn("failed to publish backfilled transaction", "signature", signature, "error", err)
			}
		}

		logger.Info("transaction backfilled",
			"signature", signature,
			"type", tx.Type,
			"source", tx.Source,
		)

		writeJSON(w, tx, http.StatusOK)
	})
}

// handleGetTransaction returns a handler that retrieves a stored transaction.
// GET /api/v1/transactions/{signature}
func handleGetTransaction(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "persistence is not enabled", http.StatusServiceUnavailable)
			return
		}

		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			logger.Debug("invalid signature", "signature", signature, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		stored, err := store.GetEnrichedTransaction(r.Context(), signature)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transaction", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, storedToResponse(stored), http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists stored transactions.
// GET /api/v1/transactions?fee_payer=ADDRESS&type=SWAP&source=JUPITER&limit=N&offset=N
func handleListTransactions(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "persistence is not enabled", http.StatusServiceUnavailable)
			return
		}

		params, err := parseListParams(r)
		if err != nil {
			logger.Debug("invalid list parameters", "query", r.URL.RawQuery, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transactions, err := store.ListEnrichedTransactions(r.Context(), params)
		if err != nil {
			logger.Error("failed to list transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("transactions listed", "count", len(transactions))

		resp := make([]transactionResponse, len(transactions))
		for i := range transactions {
			resp[i] = storedToResponse(transactions[i])
		}

		writeJSON(w, map[string]interface{}{
			"transactions": resp,
			"count":        len(resp),
			"limit":        params.Limit,
			"offset":       params.Offset,
		}, http.StatusOK)
	})
}

func parseListParams(r *http.Request) (db.ListEnrichedTransactionsParams, error) {
	query := r.URL.Query()
	params := db.ListEnrichedTransactionsParams{Limit: defaultListLimit}

	if feePayer := query.Get("fee_payer"); feePayer != "" {
		if err := validateAddress(feePayer); err != nil {
			return params, errorf("invalid fee_payer: %v", err)
		}
		params.FeePayer = &feePayer
	}

	if raw := query.Get("type"); raw != "" {
		txType, err := parseTransactionType(raw)
		if err != nil {
			return params, err
		}
		params.Type = &txType
	}

	if raw := query.Get("source"); raw != "" {
		source := enrich.ParseSource(strings.ToUpper(raw))
		if source == enrich.SourceUnknown && !strings.EqualFold(raw, string(enrich.SourceUnknown)) {
			return params, errorf("invalid source %q", raw)
		}
		params.Source = &source
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return params, errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return params, errorf("limit must be at least 1")
		}
		if limit > maxListLimit {
			return params, errorf("limit cannot exceed %d", maxListLimit)
		}
		params.Limit = int32(limit)
	}

	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return params, errorf("invalid offset parameter: must be an integer")
		}
		if offset < 0 {
			return params, errorf("offset cannot be negative")
		}
		params.Offset = int32(offset)
	}

	return params, nil
}

// handleGetRegistry returns a handler that lists the known programs.
// GET /api/v1/registry
func handleGetRegistry(registry *enrich.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, registry, http.StatusOK)
	})
}

// handleUpsertBackfillSchedule returns a handler that creates or updates the
// periodic backfill of an address.
// POST /api/v1/backfill-schedules
func handleUpsertBackfillSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			writeError(w, "backfill schedules are not enabled", http.StatusServiceUnavailable)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Address  string `json:"address"`
			Interval string `json:"interval"`
			Limit    int    `json:"limit"`
			Persist  *bool  `json:"persist"`
			Publish  *bool  `json:"publish"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode schedule request", "error", err)
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Address); err != nil {
			logger.Debug("invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, "invalid interval: must be a valid duration (e.g. '30s', '5m')", http.StatusBadRequest)
			return
		}
		if err := validateBackfillInterval(interval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Limit < 0 || req.Limit > maxListLimit {
			writeError(w, fmt.Sprintf("limit must be between 0 and %d", maxListLimit), http.StatusBadRequest)
			return
		}

		input := temporal.BackfillAddressInput{
			Address: req.Address,
			Limit:   req.Limit,
			Persist: req.Persist == nil || *req.Persist,
			Publish: req.Publish == nil || *req.Publish,
		}
		if err := scheduler.UpsertBackfillSchedule(r.Context(), input, interval); err != nil {
			logger.Error("failed to upsert backfill schedule", "address", req.Address, "error", err)
			writeError(w, "failed to create backfill schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("backfill schedule upserted", "address", req.Address, "interval", interval)

		writeJSON(w, map[string]interface{}{
			"address":  req.Address,
			"interval": interval.String(),
			"limit":    req.Limit,
			"persist":  input.Persist,
			"publish":  input.Publish,
		}, http.StatusCreated)
	})
}

// handleDeleteBackfillSchedule returns a handler that stops the periodic
// backfill of an address.
// DELETE /api/v1/backfill-schedules/{address}
func handleDeleteBackfillSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			writeError(w, "backfill schedules are not enabled", http.StatusServiceUnavailable)
			return
		}

		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteBackfillSchedule(r.Context(), address); err != nil {
			logger.Error("failed to delete backfill schedule", "address", address, "error", err)
			writeError(w, "failed to delete backfill schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("backfill schedule deleted", "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// transactionResponse is the JSON response format for a stored transaction.
type transactionResponse struct {
	Signature   string                     `json:"signature"`
	Slot        uint64                     `json:"slot"`
	BlockTime   time.Time                  `json:"block_time"`
	Type        enrich.TransactionType     `json:"type"`
	Source      enrich.Source              `json:"source"`
	FeePayer    string                     `json:"fee_payer"`
	Fee         uint64                     `json:"fee"`
	Description string                     `json:"description"`
	Error       *string                    `json:"error,omitempty"`
	Transaction enrich.EnrichedTransaction `json:"transaction"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

func storedToResponse(t *db.StoredTransaction) transactionResponse {
	return transactionResponse{
		Signature:   t.Signature,
		Slot:        t.Slot,
		BlockTime:   t.BlockTime,
		Type:        t.Type,
		Source:      t.Source,
		FeePayer:    t.FeePayer,
		Fee:         t.Fee,
		Description: t.Description,
		Error:       t.Error,
		Transaction: t.Transaction,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateBase58 rejects empty, oversized and non-base58 input.
func validateBase58(field, value string, maxLength int) error {
	if value == "" {
		return errorf("%s is required", field)
	}

	if len(value) > maxLength {
		return errorf("%s too long: maximum length is %d characters", field, maxLength)
	}

	for _, r := range value {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in %s: control characters not allowed", field)
		}
	}

	if !validBase58Regex.MatchString(value) {
		return errorf("invalid %s format: must contain only valid base58 characters", field)
	}

	return nil
}

// validateAddress validates an account address.
func validateAddress(address string) error {
	if err := validateBase58("address", address, maxAddressLength); err != nil {
		return err
	}
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid address: not a 32-byte public key")
	}
	return nil
}

// validateSignature validates a transaction signature.
func validateSignature(signature string) error {
	if err := validateBase58("signature", signature, maxSignatureLength); err != nil {
		return err
	}
	if _, err := solanago.SignatureFromBase58(signature); err != nil {
		return errorf("invalid signature: not a 64-byte signature")
	}
	return nil
}

// validateBackfillInterval validates a schedule interval for reasonable bounds.
func validateBackfillInterval(interval time.Duration) error {
	if interval <= 0 {
		return errorf("interval must be positive")
	}

	if interval < minBackfillEvery {
		return errorf("interval must be at least %v", minBackfillEvery)
	}

	if interval > maxBackfillEvery {
		return errorf("interval cannot exceed %v", maxBackfillEvery)
	}

	return nil
}

// parseTransactionType parses a type filter case-insensitively.
func parseTransactionType(raw string) (enrich.TransactionType, error) {
	txType := enrich.ParseTransactionType(strings.ToUpper(raw))
	if txType == enrich.TransactionTypeUnknown && !strings.EqualFold(raw, string(enrich.TransactionTypeUnknown)) {
		return txType, errorf("invalid type %q", raw)
	}
	return txType, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
