package mailing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for the dispatch engine.
// It is the only component that talks to PostgreSQL directly; everything
// above it works through the interfaces declared in internal/dispatch.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks and pool tuning.
func (s *Store) DB() *sql.DB {
	return s.db
}

const campaignColumns = `id, user_id, name, subject, COALESCE(html_content, ''),
	COALESCE(from_name, ''), COALESCE(from_email, ''), COALESCE(reply_to, ''),
	status, recipient_source, list_id, dataset_id, COALESCE(recipient_tag, ''),
	total_recipients, sent_count, failed_count, paused,
	send_interval_secs, random_interval, min_interval_secs, max_interval_secs,
	scheduled_at, last_sent_at, started_at, completed_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*Campaign, error) {
	c := &Campaign{}
	var intervalSecs, minSecs, maxSecs int
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Subject, &c.HTMLContent,
		&c.FromName, &c.FromEmail, &c.ReplyTo,
		&c.Status, &c.Source, &c.ListID, &c.DatasetID, &c.RecipientTag,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.Paused,
		&intervalSecs, &c.Rate.Random, &minSecs, &maxSecs,
		&c.ScheduledAt, &c.LastSentAt, &c.StartedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Rate.Interval = time.Duration(intervalSecs) * time.Second
	c.Rate.Min = time.Duration(minSecs) * time.Second
	c.Rate.Max = time.Duration(maxSecs) * time.Second
	return c, nil
}

// GetCampaign retrieves a campaign by ID. Returns (nil, nil) when missing.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM mailing_campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCampaignStatus reads just the status and pause flag. The worker loop
// calls this before every send, so it stays a single cheap row read.
func (s *Store) GetCampaignStatus(ctx context.Context, id uuid.UUID) (status string, paused bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT status, paused FROM mailing_campaigns WHERE id = $1`, id).Scan(&status, &paused)
	return status, paused, err
}

// UpdateCampaignStatus transitions a campaign to the given status and
// maintains the lifecycle timestamps.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE mailing_campaigns SET status = $2, updated_at = NOW()`
	switch status {
	case StatusSending:
		query += `, started_at = COALESCE(started_at, NOW()), paused = FALSE`
	case StatusCompleted, StatusStopped, StatusFailed:
		query += `, completed_at = NOW()`
	case StatusPaused:
		query += `, paused = TRUE`
	}
	query += ` WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, status)
	return err
}

// =============================================================================
// Send lease: optimistic cross-process mutual exclusion
// =============================================================================
// A campaign may only be driven by one process at a time. The lease is a
// compare-and-set over the campaign row: a token plus an expiry, held for
// the lifetime of the queue and renewed while it runs. It is advisory
// (expiry-based), not a fencing token; the unique constraint on
// mailing_sent_emails remains the delivery-dedup primitive.

// TryAcquireSendLease attempts to claim the send lease for a campaign.
// Returns false (no error) when another holder has an unexpired lease or
// the campaign is already terminal: callers treat that as "someone else
// owns it" and succeed idempotently.
func (s *Store) TryAcquireSendLease(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET send_lease_token = $2,
		    send_lease_expires_at = NOW() + make_interval(secs => $3),
		    updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed')
		  AND (send_lease_token IS NULL OR send_lease_expires_at < NOW())
	`, id, token, ttl.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewSendLease pushes the expiry forward while we still hold the token.
// Returns false when the token no longer matches, meaning another process
// took over after our lease expired.
func (s *Store) RenewSendLease(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET send_lease_expires_at = NOW() + make_interval(secs => $3),
		    updated_at = NOW()
		WHERE id = $1 AND send_lease_token = $2
	`, id, token, ttl.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseSendLease clears the lease if we still hold it. Releasing a lease
// another process has since taken over is a no-op.
func (s *Store) ReleaseSendLease(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET send_lease_token = NULL, send_lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND send_lease_token = $2
	`, id, token)
	return err
}

// =============================================================================
// Recipient enumeration
// =============================================================================

// CountRecipients returns the total recipient count for a campaign's
// configured source.
func (s *Store) CountRecipients(ctx context.Context, c *Campaign) (int, error) {
	var query string
	var args []interface{}

	switch c.Source {
	case SourceList:
		query = `SELECT COUNT(*) FROM mailing_campaign_recipients WHERE campaign_id = $1`
		args = []interface{}{c.ID}
	case SourceDataset:
		if c.DatasetID == nil {
			return 0, fmt.Errorf("campaign %s has no dataset", c.ID)
		}
		query = `SELECT COUNT(*) FROM mailing_subscribers WHERE dataset_id = $1 AND status = 'confirmed'`
		args = []interface{}{*c.DatasetID}
	case SourceTag:
		if strings.TrimSpace(c.RecipientTag) == "" {
			return 0, fmt.Errorf("campaign %s has no recipient tag", c.ID)
		}
		query = `SELECT COUNT(*) FROM mailing_subscribers WHERE $1 = ANY(tags) AND status = 'confirmed'`
		args = []interface{}{c.RecipientTag}
	default:
		return 0, fmt.Errorf("unknown recipient source %q", c.Source)
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// EnumerateRecipients returns up to limit recipients for the campaign's
// source, starting at offset. The order is stable across calls so that
// offset = sent + failed is a valid resume point after a restart.
func (s *Store) EnumerateRecipients(ctx context.Context, c *Campaign, offset, limit int) ([]Recipient, error) {
	var query string
	var args []interface{}

	switch c.Source {
	case SourceList:
		query = `
			SELECT email, COALESCE(name, ''), merge_fields
			FROM mailing_campaign_recipients
			WHERE campaign_id = $1
			ORDER BY position, id
			OFFSET $2 LIMIT $3`
		args = []interface{}{c.ID, offset, limit}
	case SourceDataset:
		if c.DatasetID == nil {
			return nil, fmt.Errorf("campaign %s has no dataset", c.ID)
		}
		query = `
			SELECT email, COALESCE(name, ''), merge_fields
			FROM mailing_subscribers
			WHERE dataset_id = $1 AND status = 'confirmed'
			ORDER BY id
			OFFSET $2 LIMIT $3`
		args = []interface{}{*c.DatasetID, offset, limit}
	case SourceTag:
		if strings.TrimSpace(c.RecipientTag) == "" {
			return nil, fmt.Errorf("campaign %s has no recipient tag", c.ID)
		}
		query = `
			SELECT email, COALESCE(name, ''), merge_fields
			FROM mailing_subscribers
			WHERE $1 = ANY(tags) AND status = 'confirmed'
			ORDER BY id
			OFFSET $2 LIMIT $3`
		args = []interface{}{c.RecipientTag, offset, limit}
	default:
		return nil, fmt.Errorf("unknown recipient source %q", c.Source)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.Email, &r.Name, &r.MergeFields); err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// SetCampaignTotal records the enumerated recipient total.
func (s *Store) SetCampaignTotal(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailing_campaigns SET total_recipients = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	return err
}

// =============================================================================
// Sent-email records
// =============================================================================

// AttemptedRecipients returns, for the given addresses, the subset that
// already has a record (terminal or in-flight) for this campaign. One query
// per task batch instead of one per recipient.
func (s *Store) AttemptedRecipients(ctx context.Context, campaignID uuid.UUID, emails []string) (map[string]bool, error) {
	if len(emails) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient_email FROM mailing_sent_emails
		WHERE campaign_id = $1 AND recipient_email = ANY($2)
	`, campaignID, pq.Array(emails))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempted := make(map[string]bool, len(emails))
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		attempted[email] = true
	}
	return attempted, rows.Err()
}

// ClaimSend inserts a 'processing' record for (campaign, recipient), keyed
// by the task id. Returns false when the pair already has a record: another
// worker or process got there first, and the task must be skipped without
// error. This insert is the linchpin of at-most-once delivery.
func (s *Store) ClaimSend(ctx context.Context, rec *SentEmail) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mailing_sent_emails (id, campaign_id, recipient_email, recipient_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'processing', NOW(), NOW())
		ON CONFLICT (campaign_id, recipient_email) DO NOTHING
	`, rec.ID, rec.CampaignID, rec.RecipientEmail, rec.RecipientName)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinalizeSend moves a claimed record to its terminal state.
func (s *Store) FinalizeSend(ctx context.Context, taskID uuid.UUID, status, messageID, errMsg string) error {
	if len(errMsg) > 255 {
		errMsg = errMsg[:255]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailing_sent_emails
		SET status = $2, message_id = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, taskID, status, messageID, errMsg)
	return err
}

// ReleaseClaims deletes records still in 'processing' state for the given
// task ids. Used when a queue clears its in-flight markers: only tasks that
// never reached a terminal state are released, so no delivery evidence is
// lost.
func (s *Store) ReleaseClaims(ctx context.Context, taskIDs []uuid.UUID) error {
	if len(taskIDs) == 0 {
		return nil
	}
	ids := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		ids[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mailing_sent_emails
		WHERE status = 'processing' AND id = ANY($1::uuid[])
	`, pq.Array(ids))
	return err
}

// GetCounts reads the authoritative persisted counters. Code paths that
// need exact numbers (completion detection, health recompute) force-flush
// the batch writer first.
func (s *Store) GetCounts(ctx context.Context, id uuid.UUID) (CampaignCounts, error) {
	var counts CampaignCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT sent_count, failed_count, total_recipients
		FROM mailing_campaigns WHERE id = $1
	`, id).Scan(&counts.Sent, &counts.Failed, &counts.Total)
	return counts, err
}

// =============================================================================
// Batched flush
// =============================================================================

// FlushBatch applies one batch-writer flush in a single transaction:
// duplicate-tolerant bulk insert of sent-email records, bulk insert of log
// lines, and one counter update per campaign.
func (s *Store) FlushBatch(ctx context.Context, records []SentEmail, logs []SendLog, deltas map[uuid.UUID]CounterDelta) error {
	if len(records) == 0 && len(logs) == 0 && len(deltas) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	if len(records) > 0 {
		placeholders := make([]string, 0, len(records))
		args := make([]interface{}, 0, len(records)*6)
		for i, r := range records {
			base := i * 6
			placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, NOW(), NOW())",
				base+1, base+2, base+3, base+4, base+5, base+6))
			args = append(args, r.ID, r.CampaignID, r.RecipientEmail, r.RecipientName, r.Status, r.ErrorMessage)
		}
		query := `INSERT INTO mailing_sent_emails
			(id, campaign_id, recipient_email, recipient_name, status, error_message, created_at, updated_at)
			VALUES ` + strings.Join(placeholders, ", ") + `
			ON CONFLICT (campaign_id, recipient_email) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("bulk insert sent emails: %w", err)
		}
	}

	if len(logs) > 0 {
		placeholders := make([]string, 0, len(logs))
		args := make([]interface{}, 0, len(logs)*4)
		for i, l := range logs {
			base := i * 4
			placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, NOW())",
				base+1, base+2, base+3, base+4))
			args = append(args, l.ID, l.CampaignID, l.Level, l.Message)
		}
		query := `INSERT INTO mailing_send_logs (id, campaign_id, level, message, created_at)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("bulk insert logs: %w", err)
		}
	}

	for campaignID, delta := range deltas {
		if delta.Sent == 0 && delta.Failed == 0 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE mailing_campaigns
			SET sent_count = sent_count + $2,
			    failed_count = failed_count + $3,
			    last_sent_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`, campaignID, delta.Sent, delta.Failed)
		if err != nil {
			return fmt.Errorf("apply counters for %s: %w", campaignID, err)
		}
	}

	return tx.Commit()
}

// =============================================================================
// Recovery scans
// =============================================================================

// RecoverableCampaign is the slice of campaign state the sweeper needs.
type RecoverableCampaign struct {
	ID           uuid.UUID
	Status       string
	LastActivity time.Time
}

// RecoverableCampaigns lists campaigns that should have a live queue:
// sending, paused, or scheduled-and-due.
func (s *Store) RecoverableCampaigns(ctx context.Context) ([]RecoverableCampaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status,
		       GREATEST(COALESCE(last_sent_at, 'epoch'), COALESCE(started_at, 'epoch'), updated_at)
		FROM mailing_campaigns
		WHERE status IN ('sending', 'paused')
		   OR (status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= NOW())
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecoverableCampaign
	for rows.Next() {
		var rc RecoverableCampaign
		if err := rows.Scan(&rc.ID, &rc.Status, &rc.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// RecentLogs returns the newest log lines for a campaign, newest first.
func (s *Store) RecentLogs(ctx context.Context, campaignID uuid.UUID, limit int) ([]SendLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, level, message, created_at
		FROM mailing_send_logs
		WHERE campaign_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []SendLog
	for rows.Next() {
		var l SendLog
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
