package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solenrich/service/config"
	"github.com/brojonat/solenrich/service/db"
	"github.com/brojonat/solenrich/service/enrich"
	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/brojonat/solenrich/service/solana"
	"github.com/brojonat/solenrich/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPayer   = testPublicKey(7)
	testAddress = testPublicKey(9)
)

func testPublicKey(b byte) string {
	var pk solanago.PublicKey
	copy(pk[:], bytes.Repeat([]byte{b}, len(pk)))
	return pk.String()
}

func testSignature(b byte) string {
	var sig solanago.Signature
	copy(sig[:], bytes.Repeat([]byte{b}, len(sig)))
	return sig.String()
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	txs       map[string]enrich.EnrichedTransaction
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[string]enrich.EnrichedTransaction)}
}

func (s *fakeStore) UpsertEnrichedTransaction(ctx context.Context, tx *enrich.EnrichedTransaction) (*db.StoredTransaction, error) {
	if _, err := s.UpsertEnrichedTransactions(ctx, []enrich.EnrichedTransaction{*tx}); err != nil {
		return nil, err
	}
	return s.GetEnrichedTransaction(ctx, tx.Signature)
}

func (s *fakeStore) UpsertEnrichedTransactions(ctx context.Context, txs []enrich.EnrichedTransaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	written := 0
	for _, tx := range txs {
		if tx.Signature == "" {
			continue
		}
		s.txs[tx.Signature] = tx
		written++
	}
	return written, nil
}

func (s *fakeStore) GetEnrichedTransaction(ctx context.Context, signature string) (*db.StoredTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[signature]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &db.StoredTransaction{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		BlockTime:   time.Unix(tx.Timestamp, 0).UTC(),
		Type:        tx.Type,
		Source:      tx.Source,
		FeePayer:    tx.FeePayer,
		Fee:         tx.Fee,
		Description: tx.Description,
		Transaction: tx,
	}, nil
}

func (s *fakeStore) ListEnrichedTransactions(ctx context.Context, params db.ListEnrichedTransactionsParams) ([]*db.StoredTransaction, error) {
	s.mu.Lock()
	sigs := make([]string, 0, len(s.txs))
	for sig := range s.txs {
		sigs = append(sigs, sig)
	}
	s.mu.Unlock()
	sort.Strings(sigs)

	out := []*db.StoredTransaction{}
	for _, sig := range sigs {
		stored, _ := s.GetEnrichedTransaction(ctx, sig)
		if params.Type != nil && stored.Type != *params.Type {
			continue
		}
		out = append(out, stored)
	}
	return out, nil
}

func (s *fakeStore) has(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txs[signature]
	return ok
}

// fakeDeduper remembers signatures in memory.
type fakeDeduper struct {
	mu        sync.Mutex
	seen      map[string]bool
	forgotten []string
	err       error
}

func newFakeDeduper(seen ...string) *fakeDeduper {
	d := &fakeDeduper{seen: make(map[string]bool)}
	for _, sig := range seen {
		d.seen[sig] = true
	}
	return d
}

func (d *fakeDeduper) SeenBatch(ctx context.Context, signatures []string) ([]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]bool, len(signatures))
	for i, sig := range signatures {
		if sig == "" {
			continue
		}
		out[i] = d.seen[sig]
		d.seen[sig] = true
	}
	return out, nil
}

func (d *fakeDeduper) Forget(ctx context.Context, signature string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, signature)
	d.forgotten = append(d.forgotten, signature)
	return nil
}

// fakeFetcher serves raw transactions from memory.
type fakeFetcher struct {
	raws map[string]enrich.RawTransaction
	err  error
}

func (f *fakeFetcher) FetchRawTransaction(ctx context.Context, signature string) (*enrich.RawTransaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.raws[signature]
	if !ok {
		return nil, solana.ErrTransactionNotFound
	}
	return &raw, nil
}

// rawTx builds a well-formed transaction whose only effect is the fee.
func rawTx(signature string) enrich.RawTransaction {
	return enrich.RawTransaction{
		BlockTime: 1_700_000_000,
		Slot:      250_000_000,
		Meta: enrich.RawMeta{
			Fee:          5000,
			PreBalances:  []uint64{10_000_000_000},
			PostBalances: []uint64{9_999_995_000},
		},
		Transaction: enrich.RawEnvelope{
			Signatures: []string{signature},
			Message: enrich.RawMessage{
				AccountKeys: []string{testPayer},
				Header:      enrich.RawMessageHeader{NumRequiredSignatures: 1},
			},
		},
	}
}

func malformedRawTx(signature string) enrich.RawTransaction {
	raw := rawTx(signature)
	raw.Meta.PostBalances = nil
	return raw
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:   ":0",
		MaxBatchSize: 10,
	}
}

func testEnricher() *enrich.Enricher {
	return enrich.NewEnricher(enrich.DefaultRegistry(), 2, nil, testLogger())
}

func newTestServer(t *testing.T, cfg *config.Config, deps Dependencies) http.Handler {
	t.Helper()
	if deps.Enricher == nil {
		deps.Enricher = testEnricher()
	}
	return New(cfg, deps, nil, testLogger()).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_EnrichesPersistsAndPublishes(t *testing.T) {
	// Setup
	store := newFakeStore()
	publisher := natspkg.NewMockPublisher()
	handler := newTestServer(t, testConfig(), Dependencies{
		Store:     store,
		Publisher: publisher,
	})

	sig1, sig2, sig3 := testSignature(1), testSignature(2), testSignature(3)

	// Act
	rec := postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{
		rawTx(sig1),
		malformedRawTx(sig2),
		rawTx(sig3),
	})

	// Assert
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var enriched []enrich.EnrichedTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enriched))
	require.Len(t, enriched, 3)
	assert.Equal(t, sig1, enriched[0].Signature)
	assert.Equal(t, sig2, enriched[1].Signature)
	assert.Equal(t, sig3, enriched[2].Signature)
	assert.NotEmpty(t, enriched[1].Error)
	assert.Equal(t, testPayer, enriched[0].FeePayer)

	// Failed records are stored with their error but never published
	assert.True(t, store.has(sig1))
	assert.True(t, store.has(sig2))
	assert.True(t, store.has(sig3))

	events := publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, sig1, events[0].Signature)
	assert.Equal(t, sig3, events[1].Signature)
	assert.Equal(t, "0", rec.Header().Get("X-Duplicate-Count"))
}

func TestWebhook_Duplicates(t *testing.T) {
	// Setup
	sig1, sig2 := testSignature(1), testSignature(2)
	store := newFakeStore()
	publisher := natspkg.NewMockPublisher()
	handler := newTestServer(t, testConfig(), Dependencies{
		Store:     store,
		Publisher: publisher,
		Deduper:   newFakeDeduper(sig1),
	})

	// Act
	rec := postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{rawTx(sig1), rawTx(sig2)})

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)

	var enriched []enrich.EnrichedTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enriched))
	assert.Len(t, enriched, 2, "duplicates are still enriched and returned")

	assert.False(t, store.has(sig1))
	assert.True(t, store.has(sig2))
	assert.Equal(t, 1, publisher.Count())
	assert.Equal(t, "1", rec.Header().Get("X-Duplicate-Count"))

	t.Run("redelivery is fully duplicate", func(t *testing.T) {
		rec := postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{rawTx(sig2)})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-Duplicate-Count"))
		assert.Equal(t, 1, publisher.Count())
	})
}

func TestWebhook_DeduperUnavailable(t *testing.T) {
	deduper := newFakeDeduper()
	deduper.err = errors.New("redis: connection refused")
	store := newFakeStore()
	handler := newTestServer(t, testConfig(), Dependencies{Store: store, Deduper: deduper})

	sig := testSignature(1)
	rec := postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{rawTx(sig)})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.has(sig))
}

func TestWebhook_StoreFailureReleasesKeys(t *testing.T) {
	// Setup
	store := newFakeStore()
	store.upsertErr = errors.New("connection reset")
	deduper := newFakeDeduper()
	handler := newTestServer(t, testConfig(), Dependencies{Store: store, Deduper: deduper})

	sig1, sig2 := testSignature(1), testSignature(2)

	// Act
	rec := postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{rawTx(sig1), rawTx(sig2)})

	// Assert
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.ElementsMatch(t, []string{sig1, sig2}, deduper.forgotten)

	// A retried delivery is processed again
	store.upsertErr = nil
	rec = postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{rawTx(sig1), rawTx(sig2)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.has(sig1))
	assert.True(t, store.has(sig2))
}

func TestWebhook_PublishFailureDoesNotFailDelivery(t *testing.T) {
	store := newFakeStore()
	publisher := natspkg.NewMockPublisher()
	publisher.FailBatchWith(errors.New("nats: no responders"))
	handler := newTestServer(t, testConfig(), Dependencies{Store: store, Publisher: publisher})

	sig := testSignature(1)
	rec := postJSON(t, handler, "/api/v1/webhooks", []enrich.RawTransaction{rawTx(sig)})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.has(sig))
}

func TestWebhook_InvalidDeliveries(t *testing.T) {
	handler := newTestServer(t, testConfig(), Dependencies{})

	tooMany := make([]enrich.RawTransaction, 11)
	for i := range tooMany {
		tooMany[i] = rawTx(testSignature(byte(i + 1)))
	}

	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
		checkBody      func(t *testing.T, body string)
	}{
		{
			name:           "malformed JSON",
			body:           `[{"slot":`,
			expectedStatus: http.StatusBadRequest,
			checkBody: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid request body")
			},
		},
		{
			name:           "object instead of array",
			body:           `{"slot": 1}`,
			expectedStatus: http.StatusBadRequest,
			checkBody: func(t *testing.T, body string) {
				assert.Contains(t, body, "JSON array")
			},
		},
		{
			name:           "batch over the limit",
			body:           tooMany,
			expectedStatus: http.StatusRequestEntityTooLarge,
			checkBody: func(t *testing.T, body string) {
				assert.Contains(t, body, "maximum is 10")
			},
		},
		{
			name:           "empty batch",
			body:           `[]`,
			expectedStatus: http.StatusOK,
			checkBody: func(t *testing.T, body string) {
				assert.JSONEq(t, `[]`, body)
			},
		},
		{
			name:           "single record",
			body:           []enrich.RawTransaction{rawTx(testSignature(1))},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/api/v1/webhooks", tt.body)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.checkBody != nil {
				tt.checkBody(t, rec.Body.String())
			}
		})
	}
}

func TestWebhook_Async(t *testing.T) {
	t.Run("starts a workflow", func(t *testing.T) {
		// Setup
		scheduler := temporal.NewMockScheduler()
		handler := newTestServer(t, testConfig(), Dependencies{
			Store:     newFakeStore(),
			Scheduler: scheduler,
			Deduper:   newFakeDeduper(testSignature(2)),
		})

		// Act
		rec := postJSON(t, handler, "/api/v1/webhooks?async=true", []enrich.RawTransaction{
			rawTx(testSignature(1)),
			rawTx(testSignature(2)),
		})

		// Assert
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "enrich-batch-1", resp["workflow_id"])
		assert.Equal(t, float64(1), resp["count"])
		assert.Equal(t, float64(1), resp["duplicates"])

		started := scheduler.Started()
		require.Len(t, started, 1)
		require.Len(t, started[0].Transactions, 1)
		assert.Equal(t, testSignature(1), started[0].Transactions[0].Signature())
		assert.True(t, started[0].Persist)
		assert.False(t, started[0].Publish)
	})

	t.Run("all duplicates start nothing", func(t *testing.T) {
		scheduler := temporal.NewMockScheduler()
		handler := newTestServer(t, testConfig(), Dependencies{
			Scheduler: scheduler,
			Deduper:   newFakeDeduper(testSignature(1)),
		})

		rec := postJSON(t, handler, "/api/v1/webhooks?async=true", []enrich.RawTransaction{rawTx(testSignature(1))})

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotContains(t, rec.Body.String(), "workflow_id")
		assert.Empty(t, scheduler.Started())
	})

	t.Run("not enabled", func(t *testing.T) {
		handler := newTestServer(t, testConfig(), Dependencies{})

		rec := postJSON(t, handler, "/api/v1/webhooks?async=true", []enrich.RawTransaction{rawTx(testSignature(1))})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "async enrichment is not enabled")
	})

	t.Run("start failure", func(t *testing.T) {
		scheduler := temporal.NewMockScheduler()
		scheduler.SetStartError(errors.New("temporal unavailable"))
		deduper := newFakeDeduper()
		handler := newTestServer(t, testConfig(), Dependencies{Scheduler: scheduler, Deduper: deduper})

		rec := postJSON(t, handler, "/api/v1/webhooks?async=true", []enrich.RawTransaction{rawTx(testSignature(1))})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, []string{testSignature(1)}, deduper.forgotten)
	})
}

func TestWebhook_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.WebhookRateLimit = 0.001
	cfg.WebhookRateBurst = 1
	handler := newTestServer(t, cfg, Dependencies{})

	first := postJSON(t, handler, "/api/v1/webhooks", `[]`)
	second := postJSON(t, handler, "/api/v1/webhooks", `[]`)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// Other routes are not limited
	assert.Equal(t, http.StatusOK, get(handler, "/api/v1/registry").Code)
}

func TestGetTransaction(t *testing.T) {
	store := newFakeStore()
	sig := testSignature(1)
	_, err := store.UpsertEnrichedTransactions(context.Background(), []enrich.EnrichedTransaction{{
		Signature: sig,
		Type:      enrich.TransactionTypeSwap,
		Source:    enrich.SourceJupiter,
		FeePayer:  testPayer,
		Timestamp: 1_700_000_000,
	}})
	require.NoError(t, err)

	handler := newTestServer(t, testConfig(), Dependencies{Store: store})

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{"found", "/api/v1/transactions/" + sig, http.StatusOK},
		{"not found", "/api/v1/transactions/" + testSignature(2), http.StatusNotFound},
		{"not base58", "/api/v1/transactions/0OIl", http.StatusBadRequest},
		{"wrong length", "/api/v1/transactions/" + testPayer, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(handler, tt.path)
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}

	t.Run("response body", func(t *testing.T) {
		rec := get(handler, "/api/v1/transactions/"+sig)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp transactionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, sig, resp.Signature)
		assert.Equal(t, enrich.TransactionTypeSwap, resp.Type)
		assert.Equal(t, enrich.SourceJupiter, resp.Source)
		assert.Equal(t, testPayer, resp.FeePayer)
		assert.Equal(t, sig, resp.Transaction.Signature)
	})

	t.Run("persistence disabled", func(t *testing.T) {
		handler := newTestServer(t, testConfig(), Dependencies{})
		rec := get(handler, "/api/v1/transactions/"+sig)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestListTransactions(t *testing.T) {
	store := newFakeStore()
	_, err := store.UpsertEnrichedTransactions(context.Background(), []enrich.EnrichedTransaction{
		{Signature: testSignature(1), Type: enrich.TransactionTypeSwap},
		{Signature: testSignature(2), Type: enrich.TransactionTypeTransfer},
		{Signature: testSignature(3), Type: enrich.TransactionTypeSwap},
	})
	require.NoError(t, err)

	handler := newTestServer(t, testConfig(), Dependencies{Store: store})

	rec := get(handler, "/api/v1/transactions?type=swap&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transactions []transactionResponse `json:"transactions"`
		Count        int                   `json:"count"`
		Limit        int                   `json:"limit"`
		Offset       int                   `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 5, resp.Limit)
	for _, tx := range resp.Transactions {
		assert.Equal(t, enrich.TransactionTypeSwap, tx.Type)
	}
}

func TestParseListParams(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		errContains string
		check       func(t *testing.T, p db.ListEnrichedTransactionsParams)
	}{
		{
			name:  "defaults",
			query: "",
			check: func(t *testing.T, p db.ListEnrichedTransactionsParams) {
				assert.Equal(t, int32(100), p.Limit)
				assert.Equal(t, int32(0), p.Offset)
				assert.Nil(t, p.FeePayer)
				assert.Nil(t, p.Type)
				assert.Nil(t, p.Source)
			},
		},
		{
			name:  "all filters",
			query: "fee_payer=" + testPayer + "&type=nft_sale&source=Magic_Eden&limit=20&offset=40",
			check: func(t *testing.T, p db.ListEnrichedTransactionsParams) {
				require.NotNil(t, p.FeePayer)
				assert.Equal(t, testPayer, *p.FeePayer)
				require.NotNil(t, p.Type)
				assert.Equal(t, enrich.TransactionTypeNFTSale, *p.Type)
				require.NotNil(t, p.Source)
				assert.Equal(t, enrich.SourceMagicEden, *p.Source)
				assert.Equal(t, int32(20), p.Limit)
				assert.Equal(t, int32(40), p.Offset)
			},
		},
		{
			name:  "explicit unknown type",
			query: "type=UNKNOWN",
			check: func(t *testing.T, p db.ListEnrichedTransactionsParams) {
				require.NotNil(t, p.Type)
				assert.Equal(t, enrich.TransactionTypeUnknown, *p.Type)
			},
		},
		{name: "bad type", query: "type=airdrop", errContains: "invalid type"},
		{name: "bad source", query: "source=coinbase", errContains: "invalid source"},
		{name: "bad fee payer", query: "fee_payer=abc;drop", errContains: "invalid fee_payer"},
		{name: "limit not a number", query: "limit=ten", errContains: "must be an integer"},
		{name: "limit too small", query: "limit=0", errContains: "at least 1"},
		{name: "limit too large", query: "limit=1001", errContains: "cannot exceed 1000"},
		{name: "negative offset", query: "offset=-1", errContains: "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?"+tt.query, nil)

			params, err := parseListParams(req)

			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			tt.check(t, params)
		})
	}
}

func TestBackfillSignature(t *testing.T) {
	sig := testSignature(1)

	t.Run("fetches, enriches and stores", func(t *testing.T) {
		// Setup
		store := newFakeStore()
		publisher := natspkg.NewMockPublisher()
		handler := newTestServer(t, testConfig(), Dependencies{
			Store:     store,
			Publisher: publisher,
			Solana:    &fakeFetcher{raws: map[string]enrich.RawTransaction{sig: rawTx(sig)}},
		})

		// Act
		rec := postJSON(t, handler, "/api/v1/backfill/"+sig, `{}`)

		// Assert
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var tx enrich.EnrichedTransaction
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
		assert.Equal(t, sig, tx.Signature)
		assert.Equal(t, uint64(5000), tx.Fee)
		assert.True(t, store.has(sig))
		assert.Equal(t, 1, publisher.Count())
	})

	t.Run("malformed record is stored but not published", func(t *testing.T) {
		store := newFakeStore()
		publisher := natspkg.NewMockPublisher()
		handler := newTestServer(t, testConfig(), Dependencies{
			Store:     store,
			Publisher: publisher,
			Solana:    &fakeFetcher{raws: map[string]enrich.RawTransaction{sig: malformedRawTx(sig)}},
		})

		rec := postJSON(t, handler, "/api/v1/backfill/"+sig, `{}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, store.has(sig))
		assert.Zero(t, publisher.Count())
	})

	tests := []struct {
		name           string
		deps           Dependencies
		path           string
		expectedStatus int
	}{
		{
			name:           "not found",
			deps:           Dependencies{Solana: &fakeFetcher{}},
			path:           "/api/v1/backfill/" + sig,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "rpc failure",
			deps:           Dependencies{Solana: &fakeFetcher{err: errors.New("after 3 attempts: timeout")}},
			path:           "/api/v1/backfill/" + sig,
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:           "invalid signature",
			deps:           Dependencies{Solana: &fakeFetcher{}},
			path:           "/api/v1/backfill/not-a-signature",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "not enabled",
			deps:           Dependencies{},
			path:           "/api/v1/backfill/" + sig,
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestServer(t, testConfig(), tt.deps)
			rec := postJSON(t, handler, tt.path, `{}`)
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestBackfillSchedules(t *testing.T) {
	scheduler := temporal.NewMockScheduler()
	handler := newTestServer(t, testConfig(), Dependencies{Scheduler: scheduler})

	t.Run("create", func(t *testing.T) {
		rec := postJSON(t, handler, "/api/v1/backfill-schedules", map[string]interface{}{
			"address":  testAddress,
			"interval": "5m",
			"limit":    50,
			"publish":  false,
		})

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		interval, ok := scheduler.GetInterval(testAddress)
		require.True(t, ok)
		assert.Equal(t, 5*time.Minute, interval)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["persist"])
		assert.Equal(t, false, resp["publish"])
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name        string
			body        string
			errContains string
		}{
			{"malformed JSON", `{"address":`, "invalid request body"},
			{"missing address", `{"interval":"5m"}`, "address is required"},
			{"bad address", `{"address":"` + strings.Repeat("1", 10) + `","interval":"5m"}`, "32-byte public key"},
			{"bad interval", `{"address":"` + testAddress + `","interval":"often"}`, "invalid interval"},
			{"interval too short", `{"address":"` + testAddress + `","interval":"1s"}`, "at least 10s"},
			{"interval too long", `{"address":"` + testAddress + `","interval":"48h"}`, "cannot exceed 24h0m0s"},
			{"limit too large", `{"address":"` + testAddress + `","interval":"5m","limit":5000}`, "limit must be between"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := postJSON(t, handler, "/api/v1/backfill-schedules", tt.body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, rec.Body.String(), tt.errContains)
			})
		}
	})

	t.Run("delete", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/backfill-schedules/"+testAddress, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.False(t, scheduler.HasSchedule(testAddress))
	})

	t.Run("delete unknown schedule", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/backfill-schedules/"+testPayer, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("not enabled", func(t *testing.T) {
		handler := newTestServer(t, testConfig(), Dependencies{})
		rec := postJSON(t, handler, "/api/v1/backfill-schedules", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetRegistry(t *testing.T) {
	handler := newTestServer(t, testConfig(), Dependencies{})

	rec := get(handler, "/api/v1/registry")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
}

func TestHealthAndCORS(t *testing.T) {
	handler := newTestServer(t, testConfig(), Dependencies{})

	rec := get(handler, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/webhooks", nil)
	preflight := httptest.NewRecorder()
	handler.ServeHTTP(preflight, req)
	assert.Equal(t, http.StatusNoContent, preflight.Code)
	assert.Contains(t, preflight.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name        string
		address     string
		errContains string
	}{
		{"valid", testAddress, ""},
		{"system program", "11111111111111111111111111111111", ""},
		{"empty", "", "address is required"},
		{"too long", strings.Repeat("A", 101), "too long"},
		{"control characters", "abc\x00def", "control characters"},
		{"not base58", "0OIl", "valid base58"},
		{"sql injection", "abc'; DROP TABLE--", "valid base58"},
		{"wrong length", "abc", "32-byte public key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAddress(tt.address)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}
