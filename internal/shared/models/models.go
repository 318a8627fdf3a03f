package models

import "time"

// Subscription is the account/billing record that carries a user's token ceiling.
// The gateway only reads it.
type Subscription struct {
	UserID     string
	Plan       string
	TokenLimit int64
	UpdatedAt  time.Time
}

// UsageRecord is the durable token count for one user, model and calendar day.
type UsageRecord struct {
	UserID     string
	ModelID    string
	Date       time.Time
	TokenCount int64
	UpdatedAt  time.Time
}

// CompletionLog represents one completion request outcome
type CompletionLog struct {
	ID              string
	UserID          string
	Model           string
	Provider        string
	Mode            string // batch | stream
	Outcome         string // success | cancelled | error
	EstimatedTokens int64
	ActualTokens    int64
	CostUSD         float64
	LatencyMs       int
	ErrorCode       *string
	CreatedAt       time.Time
}
