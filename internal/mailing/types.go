package mailing

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Sent-email record states
const (
	SendStateProcessing = "processing"
	SendStateSent       = "sent"
	SendStateFailed     = "failed"
)

// Recipient source constants
const (
	SourceList    = "list"
	SourceDataset = "dataset"
	SourceTag     = "tag"
)

// Log level constants for campaign send logs
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// JSON helper type for JSONB merge-field columns
type JSON map[string]string

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// RateConfig controls the inter-send delay for one campaign.
// When Random is set, each delay is drawn uniformly from [Min, Max];
// otherwise Interval is used for every send.
type RateConfig struct {
	Interval time.Duration
	Random   bool
	Min      time.Duration
	Max      time.Duration
}

// MaxDelay returns the largest possible inter-send delay under this config.
func (rc RateConfig) MaxDelay() time.Duration {
	if rc.Random && rc.Max > 0 {
		return rc.Max
	}
	return rc.Interval
}

// Campaign represents one send job as the engine sees it.
type Campaign struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	UserID          uuid.UUID  `json:"user_id" db:"user_id"`
	Name            string     `json:"name" db:"name"`
	Subject         string     `json:"subject" db:"subject"`
	HTMLContent     string     `json:"html_content" db:"html_content"`
	FromName        string     `json:"from_name" db:"from_name"`
	FromEmail       string     `json:"from_email" db:"from_email"`
	ReplyTo         string     `json:"reply_to" db:"reply_to"`
	Status          string     `json:"status" db:"status"`
	Source          string     `json:"recipient_source" db:"recipient_source"`
	ListID          *uuid.UUID `json:"list_id" db:"list_id"`
	DatasetID       *uuid.UUID `json:"dataset_id" db:"dataset_id"`
	RecipientTag    string     `json:"recipient_tag" db:"recipient_tag"`
	TotalRecipients int        `json:"total_recipients" db:"total_recipients"`
	SentCount       int        `json:"sent_count" db:"sent_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	Paused          bool       `json:"paused" db:"paused"`
	Rate            RateConfig `json:"-"`
	ScheduledAt     *time.Time `json:"scheduled_at" db:"scheduled_at"`
	LastSentAt      *time.Time `json:"last_sent_at" db:"last_sent_at"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
}

// Recipient is one enumerated destination: the required address plus any
// dynamic merge fields used as template placeholders.
type Recipient struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	MergeFields JSON   `json:"merge_fields"`
}

// SentEmail is one row per (campaign, recipient) attempt, keyed by the
// task id that attempted it.
type SentEmail struct {
	ID             uuid.UUID `json:"id" db:"id"`
	CampaignID     uuid.UUID `json:"campaign_id" db:"campaign_id"`
	RecipientEmail string    `json:"recipient_email" db:"recipient_email"`
	RecipientName  string    `json:"recipient_name" db:"recipient_name"`
	Status         string    `json:"status" db:"status"`
	MessageID      string    `json:"message_id" db:"message_id"`
	ErrorMessage   string    `json:"error_message" db:"error_message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SendLog is a structured log line attached to a campaign.
type SendLog struct {
	ID         uuid.UUID `json:"id" db:"id"`
	CampaignID uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Level      string    `json:"level" db:"level"`
	Message    string    `json:"message" db:"message"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CounterDelta accumulates sent/failed increments for one campaign.
// Deltas to the same campaign coalesce into a single update at flush time.
type CounterDelta struct {
	Sent   int
	Failed int
}

// CampaignCounts are the authoritative persisted counters for a campaign.
type CampaignCounts struct {
	Sent   int
	Failed int
	Total  int
}

// Done reports whether every recipient is accounted for.
func (c CampaignCounts) Done() bool {
	return c.Total > 0 && c.Sent+c.Failed >= c.Total
}
