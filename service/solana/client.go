package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/solenrich/service/enrich"
	"github.com/brojonat/solenrich/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrTransactionNotFound is returned when the node has no record of a signature.
var ErrTransactionNotFound = errors.New("transaction not found")

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	// GetRawTransaction returns nil, nil when the transaction is unknown.
	GetRawTransaction(
		ctx context.Context,
		signature solana.Signature,
	) (*enrich.RawTransaction, error)
}

// Client fetches raw transactions for backfill.
type Client struct {
	rpc         RPCClient
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	backoff     time.Duration
}

// NewClient creates a new Solana client. If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:         rpcClient,
		logger:      logger,
		metrics:     m,
		maxAttempts: 3,
		backoff:     time.Second,
	}
}

// FetchRawTransaction fetches a confirmed transaction by signature in raw
// webhook form. Transient RPC errors are retried with exponential backoff.
func (c *Client) FetchRawTransaction(ctx context.Context, signature string) (*enrich.RawTransaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	var result *enrich.RawTransaction
	for attempt := range c.maxAttempts {
		start := time.Now()
		result, err = c.rpc.GetRawTransaction(ctx, sig)
		c.recordCall("getTransaction", err, time.Since(start))

		if err == nil {
			break
		}

		backoff := c.backoff << uint(attempt) // 1s, 2s, 4s
		if strings.Contains(err.Error(), "429") {
			backoff *= 2
			c.logger.WarnContext(ctx, "rate limited, sleeping before retry",
				"signature", signature,
				"attempt", attempt+1,
				"backoff_seconds", backoff.Seconds(),
			)
		} else {
			c.logger.WarnContext(ctx, "failed to get transaction on attempt",
				"signature", signature,
				"attempt", attempt+1,
				"error", err,
				"backoff_seconds", backoff.Seconds(),
			)
		}

		if attempt == c.maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s after %d attempts: %w", signature, c.maxAttempts, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%s: %w", signature, ErrTransactionNotFound)
	}

	c.logger.DebugContext(ctx, "fetched raw transaction",
		"signature", signature,
		"slot", result.Slot,
	)

	return result, nil
}

// RecentSignatures returns up to limit signatures involving address, newest first.
func (c *Client) RecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	}

	start := time.Now()
	signatures, err := c.rpc.GetSignaturesForAddress(ctx, pubkey, opts)
	c.recordCall("getSignaturesForAddress", err, time.Since(start))
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get signatures",
			"address", address,
			"error", err,
		)
		return nil, err
	}

	out := make([]string, 0, len(signatures))
	for _, sig := range signatures {
		out = append(out, sig.Signature.String())
	}

	c.logger.DebugContext(ctx, "fetched transaction signatures",
		"address", address,
		"count", len(out),
	)

	return out, nil
}

func (c *Client) recordCall(method string, err error, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, duration.Seconds())
}
