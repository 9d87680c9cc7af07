package solana

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/brojonat/solenrich/service/enrich"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// realRPCClient adapts the solana-go RPC client to our RPCClient interface.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// rpcURL may hold several comma separated endpoints; one is picked at random.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) (RPCClient, error) {
	endpoint, err := SelectRandomEndpoint(SplitEndpoints(rpcURL))
	if err != nil {
		return nil, err
	}
	return &realRPCClient{
		client: rpc.New(endpoint),
	}, nil
}

// SplitEndpoints splits a comma separated endpoint list, dropping blanks.
func SplitEndpoints(list string) []string {
	var endpoints []string
	for _, e := range strings.Split(list, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return endpoints
}

// SelectRandomEndpoint picks one endpoint uniformly at random.
func SelectRandomEndpoint(endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", fmt.Errorf("no RPC endpoints configured")
	}
	return endpoints[rand.IntN(len(endpoints))], nil
}

func (r *realRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	return r.client.GetSignaturesForAddressWithOpts(ctx, address, opts)
}

// GetRawTransaction calls getTransaction with JSON encoding, whose result has
// the same shape as a raw webhook record, and decodes it directly.
func (r *realRPCClient) GetRawTransaction(
	ctx context.Context,
	signature solana.Signature,
) (*enrich.RawTransaction, error) {
	var out *enrich.RawTransaction
	params := []interface{}{
		signature.String(),
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     string(rpc.CommitmentConfirmed),
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := r.client.RPCCallForInto(ctx, &out, "getTransaction", params); err != nil {
		return nil, err
	}
	return out, nil
}
