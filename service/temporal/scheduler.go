package temporal

import (
	"context"
	"time"
)

// Scheduler starts enrichment workflows and manages per-address backfill
// schedules. The server depends on this interface so it can be mocked.
type Scheduler interface {
	// StartEnrichBatch starts EnrichBatchWorkflow and returns its workflow id.
	StartEnrichBatch(ctx context.Context, input EnrichBatchInput) (string, error)

	// UpsertBackfillSchedule creates or updates the schedule that runs
	// BackfillAddressWorkflow for an address on the given interval.
	UpsertBackfillSchedule(ctx context.Context, input BackfillAddressInput, interval time.Duration) error

	// DeleteBackfillSchedule deletes the schedule for an address.
	DeleteBackfillSchedule(ctx context.Context, address string) error
}

// ScheduleIDPrefix prefixes the ID of every backfill schedule.
const ScheduleIDPrefix = "backfill-address-"

// ScheduleID returns the Temporal schedule ID for an address.
func ScheduleID(address string) string {
	return ScheduleIDPrefix + address
}
