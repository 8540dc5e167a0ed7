package domain

import "time"

// AlertRule is a configured predicate over enriched articles. Rules are
// read-only to the pipeline, supplied by configuration.
type AlertRule struct {
	ID           string   `yaml:"id" json:"id"`
	Keywords     []string `yaml:"keywords" json:"keywords"`
	Entities     []string `yaml:"entities" json:"entities"`
	SentimentMax *float64 `yaml:"sentiment_max" json:"sentiment_max"` // fire when score <= max
	Sources      []string `yaml:"sources" json:"sources"`             // empty = any source
	Channel      string   `yaml:"channel" json:"channel"`
}

// AlertEvent records a rule match for an article
type AlertEvent struct {
	ID             string
	RuleID         string
	Fingerprint    string
	Source         string
	Title          string
	Summary        string
	TriggeredAt    time.Time
	SuppressionKey string
}

// DeadLetter is a persisted record of a notification that exhausted its
// retries, kept for manual redelivery.
type DeadLetter struct {
	ID            string
	Channel       string
	EventID       string
	Envelope      string // serialized webhook payload
	LastError     string
	Attempts      int
	CreatedAt     time.Time
	RedeliveredAt *time.Time
}
