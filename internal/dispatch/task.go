// Package dispatch implements the per-campaign email dispatch engine: one
// rate-limited single-worker queue per active campaign, a process-wide
// registry with a distributed start lease, a batched writer for persistence,
// and a recovery sweeper that re-attaches abandoned campaigns.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// EmailTask is one in-memory unit of work: a single recipient of a single
// campaign, with content already rendered at enumeration time. The task id
// doubles as the idempotency key of the persisted sent-email record. Tasks
// are owned exclusively by one CampaignQueue and never persisted.
type EmailTask struct {
	ID         uuid.UUID
	CampaignID uuid.UUID

	Email string
	Name  string

	Subject  string
	HTMLBody string

	FromName  string
	FromEmail string
	ReplyTo   string

	// RetryCount is fixed at zero: each recipient is attempted at most once.
	RetryCount int

	CreatedAt time.Time
}

// NewEmailTask builds a task for one rendered recipient.
func NewEmailTask(campaignID uuid.UUID, email, name, subject, htmlBody, fromName, fromEmail, replyTo string) *EmailTask {
	return &EmailTask{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Email:      email,
		Name:       name,
		Subject:    subject,
		HTMLBody:   htmlBody,
		FromName:   fromName,
		FromEmail:  fromEmail,
		ReplyTo:    replyTo,
		CreatedAt:  time.Now(),
	}
}
