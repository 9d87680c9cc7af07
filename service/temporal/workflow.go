package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/solenrich/service/enrich"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// EnrichBatchInput is the input of EnrichBatchWorkflow.
type EnrichBatchInput struct {
	Transactions []enrich.RawTransaction `json:"transactions"`
	Persist      bool                    `json:"persist"`
	Publish      bool                    `json:"publish"`
}

// EnrichBatchResult summarizes an EnrichBatchWorkflow run.
type EnrichBatchResult struct {
	Enriched  int     `json:"enriched"`
	Failed    int     `json:"failed"`
	Written   int     `json:"written"`
	Published int     `json:"published"`
	Error     *string `json:"error,omitempty"`
}

// BackfillAddressInput is the input of BackfillAddressWorkflow.
type BackfillAddressInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
	Persist bool   `json:"persist"`
	Publish bool   `json:"publish"`
}

// BackfillAddressResult summarizes a BackfillAddressWorkflow run.
type BackfillAddressResult struct {
	Address    string            `json:"address"`
	Signatures int               `json:"signatures"`
	Known      int               `json:"known"`
	Missing    int               `json:"missing"`
	Batch      EnrichBatchResult `json:"batch"`
	RunTime    time.Time         `json:"run_time"`
	Error      *string           `json:"error,omitempty"`
}

func activityContext(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
}

// EnrichBatchWorkflow enriches a batch of raw transactions and optionally
// persists and publishes the results.
//
// Steps:
// 1. EnrichTransactions
// 2. WriteEnrichedTransactions (when Persist)
// 3. PublishEnrichedTransactions (when Publish)
func EnrichBatchWorkflow(ctx workflow.Context, input EnrichBatchInput) (*EnrichBatchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("EnrichBatchWorkflow started", "count", len(input.Transactions))

	ctx = activityContext(ctx)
	result := &EnrichBatchResult{}
	if err := enrichBatch(ctx, input, result); err != nil {
		errMsg := err.Error()
		result.Error = &errMsg
		return result, err
	}

	logger.Info("EnrichBatchWorkflow completed successfully",
		"enriched", result.Enriched,
		"failed", result.Failed,
		"written", result.Written,
		"published", result.Published,
	)

	return result, nil
}

func enrichBatch(ctx workflow.Context, input EnrichBatchInput, result *EnrichBatchResult) error {
	logger := workflow.GetLogger(ctx)

	if len(input.Transactions) == 0 {
		return nil
	}

	var enriched *EnrichTransactionsResult
	err := workflow.ExecuteActivity(ctx, a.EnrichTransactions, EnrichTransactionsInput{
		Transactions: input.Transactions,
	}).Get(ctx, &enriched)
	if err != nil {
		logger.Error("failed to enrich transactions", "error", err)
		return fmt.Errorf("failed to enrich transactions: %w", err)
	}
	result.Enriched = len(enriched.Transactions)
	result.Failed = enriched.Failed

	if input.Persist {
		var written *WriteEnrichedTransactionsResult
		err = workflow.ExecuteActivity(ctx, a.WriteEnrichedTransactions, WriteEnrichedTransactionsInput{
			Transactions: enriched.Transactions,
		}).Get(ctx, &written)
		if err != nil {
			logger.Error("failed to write enriched transactions", "error", err)
			return fmt.Errorf("failed to write enriched transactions: %w", err)
		}
		result.Written = written.Written
	}

	if input.Publish {
		var published *PublishEnrichedTransactionsResult
		err = workflow.ExecuteActivity(ctx, a.PublishEnrichedTransactions, PublishEnrichedTransactionsInput{
			Transactions: enriched.Transactions,
		}).Get(ctx, &published)
		if err != nil {
			// Written records are kept.
			logger.Error("failed to publish enriched transactions", "error", err)
			return fmt.Errorf("failed to publish enriched transactions: %w", err)
		}
		result.Published = published.Published
	}

	return nil
}

// BackfillAddressWorkflow fetches the recent transactions of an address that
// are not stored yet and runs them through the enrichment batch. It is
// triggered by a Temporal schedule per address.
func BackfillAddressWorkflow(ctx workflow.Context, input BackfillAddressInput) (*BackfillAddressResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("BackfillAddressWorkflow started", "address", input.Address)

	ctx = activityContext(ctx)
	result := &BackfillAddressResult{
		Address: input.Address,
		RunTime: workflow.Now(ctx),
	}
	fail := func(msg string, err error) (*BackfillAddressResult, error) {
		logger.Error(msg, "address", input.Address, "error", err)
		errMsg := fmt.Sprintf("%s: %v", msg, err)
		result.Error = &errMsg
		return result, fmt.Errorf("%s: %w", msg, err)
	}

	var sigs *FetchRecentSignaturesResult
	err := workflow.ExecuteActivity(ctx, a.FetchRecentSignatures, FetchRecentSignaturesInput{
		Address: input.Address,
		Limit:   input.Limit,
	}).Get(ctx, &sigs)
	if err != nil {
		return fail("failed to fetch signatures", err)
	}
	result.Signatures = len(sigs.Signatures)
	result.Known = sigs.Known

	if len(sigs.Signatures) == 0 {
		logger.Info("no new transactions found", "address", input.Address)
		return result, nil
	}

	var raws *FetchRawTransactionsResult
	err = workflow.ExecuteActivity(ctx, a.FetchRawTransactions, FetchRawTransactionsInput{
		Signatures: sigs.Signatures,
	}).Get(ctx, &raws)
	if err != nil {
		return fail("failed to fetch transactions", err)
	}
	result.Missing = len(raws.Missing)

	err = enrichBatch(ctx, EnrichBatchInput{
		Transactions: raws.Transactions,
		Persist:      input.Persist,
		Publish:      input.Publish,
	}, &result.Batch)
	if err != nil {
		return fail("failed to enrich backfill", err)
	}

	logger.Info("BackfillAddressWorkflow completed successfully",
		"address", input.Address,
		"signatures", result.Signatures,
		"enriched", result.Batch.Enriched,
		"written", result.Batch.Written,
	)

	return result, nil
}
