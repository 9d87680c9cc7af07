package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/solenrich/service/enrich"
)

const (
	// SubjectPrefix is the first token of every enriched transaction subject.
	SubjectPrefix = "enriched"

	// unknownFeePayer stands in for an empty fee payer, which is not a valid subject token.
	unknownFeePayer = "_"
)

// EnrichedEvent is an enriched transaction as published to NATS on
// "enriched.{type}.{fee_payer}".
type EnrichedEvent struct {
	Signature   string                 `json:"signature"`
	Slot        uint64                 `json:"slot"`
	Type        enrich.TransactionType `json:"type"`
	Source      enrich.Source          `json:"source"`
	FeePayer    string                 `json:"fee_payer"`
	Description string                 `json:"description"`
	BlockTime   time.Time              `json:"block_time"`

	Transaction enrich.EnrichedTransaction `json:"transaction"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// FromEnriched converts an enriched transaction to an event for publishing.
func FromEnriched(tx *enrich.EnrichedTransaction) *EnrichedEvent {
	return &EnrichedEvent{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		Type:        tx.Type,
		Source:      tx.Source,
		FeePayer:    tx.FeePayer,
		Description: tx.Description,
		BlockTime:   time.Unix(tx.Timestamp, 0).UTC(),
		Transaction: *tx,
		PublishedAt: time.Now().UTC(),
	}
}

// Subject returns the subject the event is published on.
func (e *EnrichedEvent) Subject() string {
	return SubjectFor(e.Type, e.FeePayer)
}

// SubjectFor builds "enriched.{type}.{fee_payer}".
func SubjectFor(txType enrich.TransactionType, feePayer string) string {
	if txType == "" {
		txType = enrich.TransactionTypeUnknown
	}
	if feePayer == "" {
		feePayer = unknownFeePayer
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, txType, feePayer)
}

// FilterSubject builds a subscription filter. Empty arguments match any
// type or fee payer.
func FilterSubject(txType, feePayer string) string {
	typeToken := "*"
	if txType != "" {
		typeToken = strings.ToUpper(txType)
	}
	payerToken := "*"
	if feePayer != "" {
		payerToken = feePayer
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, typeToken, payerToken)
}
