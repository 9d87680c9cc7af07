package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/solenrich/service/enrich"
	natspkg "github.com/brojonat/solenrich/service/nats"
)

// ErrNotFound is returned when the server has no record of the requested resource.
var ErrNotFound = errors.New("not found")

// Transaction is a stored enriched transaction as returned by the server.
type Transaction struct {
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

// ListParams filters a transaction listing. Zero values are omitted.
type ListParams struct {
	FeePayer string
	Type     enrich.TransactionType
	Source   enrich.Source
	Limit    int
	Offset   int
}

// AsyncResult is the server's answer to an asynchronous webhook delivery.
type AsyncResult struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Count      int    `json:"count"`
	Duplicates int    `json:"duplicates"`
}

// Client is the HTTP client for the solenrich service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new enrichment service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Enrich posts a webhook batch and returns the enriched records, one per
// input in input order.
func (c *Client) Enrich(ctx context.Context, raws []enrich.RawTransaction) ([]enrich.EnrichedTransaction, error) {
	resp, err := c.postJSON(ctx, "/api/v1/webhooks", raws)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var enriched []enrich.EnrichedTransaction
	if err := json.NewDecoder(resp.Body).Decode(&enriched); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch enriched", "count", len(enriched))
	return enriched, nil
}

// EnrichAsync posts a webhook batch for durable background enrichment.
func (c *Client) EnrichAsync(ctx context.Context, raws []enrich.RawTransaction) (*AsyncResult, error) {
	resp, err := c.postJSON(ctx, "/api/v1/webhooks?async=true", raws)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.parseErrorResponse(resp)
	}

	var result AsyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch accepted", "workflow_id", result.WorkflowID, "count", result.Count)
	return &result, nil
}

// GetTransaction retrieves a stored transaction by signature.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	resp, err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(signature), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("transaction %s: %w", signature, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &tx, nil
}

// ListTransactions lists stored transactions, newest first.
func (c *Client) ListTransactions(ctx context.Context, params ListParams) ([]*Transaction, error) {
	query := url.Values{}
	if params.FeePayer != "" {
		query.Set("fee_payer", params.FeePayer)
	}
	if params.Type != "" {
		query.Set("type", string(params.Type))
	}
	if params.Source != "" {
		query.Set("source", string(params.Source))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		query.Set("offset", strconv.Itoa(params.Offset))
	}

	resp, err := c.get(ctx, "/api/v1/transactions", query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Transactions, nil
}

// Backfill asks the server to fetch, enrich and store a transaction by signature.
func (c *Client) Backfill(ctx context.Context, signature string) (*enrich.EnrichedTransaction, error) {
	resp, err := c.postJSON(ctx, "/api/v1/backfill/"+url.PathEscape(signature), struct{}{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("transaction %s: %w", signature, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var tx enrich.EnrichedTransaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("transaction backfilled", "signature", signature, "type", tx.Type)
	return &tx, nil
}

// ScheduleBackfill creates or updates the periodic backfill of an address.
// A zero limit uses the server default.
func (c *Client) ScheduleBackfill(ctx context.Context, address string, interval time.Duration, limit int) error {
	resp, err := c.postJSON(ctx, "/api/v1/backfill-schedules", map[string]interface{}{
		"address":  address,
		"interval": interval.String(),
		"limit":    limit,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("backfill scheduled", "address", address, "interval", interval)
	return nil
}

// DeleteBackfillSchedule stops the periodic backfill of an address.
func (c *Client) DeleteBackfillSchedule(ctx context.Context, address string) error {
	u := c.baseURL + "/api/v1/backfill-schedules/" + url.PathEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("backfill schedule deleted", "address", address)
	return nil
}

// Registry retrieves the server's program registry.
func (c *Client) Registry(ctx context.Context) (*enrich.Registry, error) {
	resp, err := c.get(ctx, "/api/v1/registry", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	registry, err := enrich.ParseRegistry(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	return registry, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// Await streams enriched transactions of txType (all types when empty) paid
// for by feePayer (any payer when empty) and returns the first one matcher
// accepts. It blocks until a match arrives, the stream ends or ctx is done.
func (c *Client) Await(ctx context.Context, txType enrich.TransactionType, feePayer string, matcher func(*natspkg.EnrichedEvent) bool) (*natspkg.EnrichedEvent, error) {
	var match *natspkg.EnrichedEvent
	err := c.Stream(ctx, txType, feePayer, func(event *natspkg.EnrichedEvent) bool {
		if matcher(event) {
			match = event
			return false
		}
		return true
	})
	if match != nil {
		return match, nil
	}
	if err == nil {
		err = errors.New("stream closed before a matching transaction arrived")
	}
	return nil, err
}

// Stream delivers enriched transaction events to fn until fn returns false,
// the server closes the stream or ctx is done.
func (c *Client) Stream(ctx context.Context, txType enrich.TransactionType, feePayer string, fn func(*natspkg.EnrichedEvent) bool) error {
	path := "/api/v1/stream/transactions"
	if txType != "" {
		path += "/" + url.PathEscape(string(txType))
	}
	query := url.Values{}
	if feePayer != "" {
		query.Set("fee_payer", feePayer)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the client timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventName != "" && eventName != "transaction" {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var event natspkg.EnrichedEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				c.logger.Warn("failed to decode stream event", "error", err)
				continue
			}
			if !fn(&event) {
				return nil
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
