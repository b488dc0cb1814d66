package billing

import (
	"context"
	"time"
)

// GenerationLog is one row of append-only generation history. It is never
// consulted for balances; the ledger is the source of truth.
type GenerationLog struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	RequestID      string    `json:"requestId"`
	Model          string    `json:"model"`
	ImageSize      string    `json:"imageSize"`
	CandidateCount int       `json:"candidateCount"`
	ChargedCredits int64     `json:"chargedCredits"`
	Refunded       bool      `json:"refunded"`
	FinishReason   string    `json:"finishReason,omitempty"`
	ImageCount     int       `json:"imageCount"`
	StatusCode     int       `json:"statusCode"`
	LatencyMs      int64     `json:"latencyMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Store interface {
	LogGeneration(ctx context.Context, log *GenerationLog) error
	GetGenerationsByUser(ctx context.Context, userID string, from, to time.Time) ([]*GenerationLog, error)
	// GetTotalChargedByUser sums credits that were charged and not refunded.
	GetTotalChargedByUser(ctx context.Context, userID string, from, to time.Time) (int64, error)
}
