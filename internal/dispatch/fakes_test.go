package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/mailing"
)

// fakeStore is an in-memory Store with the same contracts as the SQL store:
// claim uniqueness per (campaign, recipient), flush-applied counters, and a
// single-holder start lease.
type fakeStore struct {
	mu         sync.Mutex
	campaign   *mailing.Campaign
	recipients []mailing.Recipient

	claims map[string]mailing.SentEmail
	byID   map[uuid.UUID]string
	counts mailing.CampaignCounts
	logs   []mailing.SendLog

	statusHistory []string

	denyClaims map[string]bool
	denyLease  bool
	flushErr   error

	leaseToken    string
	leaseAcquires int
	flushes       int

	recoverable []mailing.RecoverableCampaign
}

func newFakeStore(numRecipients int) *fakeStore {
	id := uuid.New()
	recipients := make([]mailing.Recipient, 0, numRecipients)
	for i := 0; i < numRecipients; i++ {
		recipients = append(recipients, mailing.Recipient{
			Email:       fmt.Sprintf("user%d@example.com", i),
			Name:        fmt.Sprintf("User %d", i),
			MergeFields: mailing.JSON{"first_name": fmt.Sprintf("User%d", i)},
		})
	}
	return &fakeStore{
		campaign: &mailing.Campaign{
			ID:          id,
			Name:        "test campaign",
			Subject:     "Hello {{ first_name }}",
			HTMLContent: "<p>Hi {{ first_name | default: \"there\" }}</p>",
			FromName:    "Tester",
			FromEmail:   "tester@example.com",
			Status:      mailing.StatusSending,
			Source:      mailing.SourceList,
			Rate:        mailing.RateConfig{Interval: time.Millisecond},
		},
		recipients: recipients,
		claims:     make(map[string]mailing.SentEmail),
		byID:       make(map[uuid.UUID]string),
	}
}

func (f *fakeStore) setStatus(status string, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = status
	f.campaign.Paused = paused
}

func (f *fakeStore) GetCampaign(ctx context.Context, id uuid.UUID) (*mailing.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.campaign.ID {
		return nil, nil
	}
	c := *f.campaign
	return &c, nil
}

func (f *fakeStore) GetCampaignStatus(ctx context.Context, id uuid.UUID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaign.Status, f.campaign.Paused, nil
}

func (f *fakeStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = status
	switch status {
	case mailing.StatusPaused:
		f.campaign.Paused = true
	case mailing.StatusSending:
		f.campaign.Paused = false
	}
	f.statusHistory = append(f.statusHistory, status)
	return nil
}

func (f *fakeStore) CountRecipients(ctx context.Context, c *mailing.Campaign) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recipients), nil
}

func (f *fakeStore) SetCampaignTotal(ctx context.Context, id uuid.UUID, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.TotalRecipients = total
	f.counts.Total = total
	return nil
}

func (f *fakeStore) EnumerateRecipients(ctx context.Context, c *mailing.Campaign, offset, limit int) ([]mailing.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.recipients) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.recipients) {
		end = len(f.recipients)
	}
	out := make([]mailing.Recipient, end-offset)
	copy(out, f.recipients[offset:end])
	return out, nil
}

func (f *fakeStore) AttemptedRecipients(ctx context.Context, campaignID uuid.UUID, emails []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, e := range emails {
		if _, ok := f.claims[e]; ok {
			out[e] = true
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimSend(ctx context.Context, rec *mailing.SentEmail) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyClaims[rec.RecipientEmail] {
		// A lost race means some other process inserted the row first and
		// goes on to deliver: model that winner's record and counter credit
		// so campaign counts behave the way the real table does.
		if _, ok := f.claims[rec.RecipientEmail]; !ok {
			winner := *rec
			winner.ID = uuid.New()
			winner.Status = mailing.SendStateSent
			f.claims[rec.RecipientEmail] = winner
			f.byID[winner.ID] = rec.RecipientEmail
			f.counts.Sent++
		}
		return false, nil
	}
	if _, ok := f.claims[rec.RecipientEmail]; ok {
		return false, nil
	}
	r := *rec
	r.Status = mailing.SendStateProcessing
	f.claims[rec.RecipientEmail] = r
	f.byID[rec.ID] = rec.RecipientEmail
	return true, nil
}

func (f *fakeStore) FinalizeSend(ctx context.Context, taskID uuid.UUID, status, messageID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.byID[taskID]
	if !ok {
		return fmt.Errorf("no claim for task %s", taskID)
	}
	rec := f.claims[email]
	rec.Status = status
	rec.MessageID = messageID
	rec.ErrorMessage = errMsg
	f.claims[email] = rec
	return nil
}

func (f *fakeStore) ReleaseClaims(ctx context.Context, taskIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range taskIDs {
		email, ok := f.byID[id]
		if !ok {
			continue
		}
		if f.claims[email].Status == mailing.SendStateProcessing {
			delete(f.claims, email)
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeStore) GetCounts(ctx context.Context, id uuid.UUID) (mailing.CampaignCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}

func (f *fakeStore) FlushBatch(ctx context.Context, records []mailing.SentEmail, logs []mailing.SendLog, deltas map[uuid.UUID]mailing.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushes++
	for _, r := range records {
		if _, ok := f.claims[r.RecipientEmail]; ok {
			continue
		}
		f.claims[r.RecipientEmail] = r
		f.byID[r.ID] = r.RecipientEmail
	}
	f.logs = append(f.logs, logs...)
	for _, d := range deltas {
		f.counts.Sent += d.Sent
		f.counts.Failed += d.Failed
	}
	return nil
}

func (f *fakeStore) TryAcquireSendLease(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyLease || f.leaseToken != "" {
		return false, nil
	}
	f.leaseToken = token
	f.leaseAcquires++
	return true, nil
}

func (f *fakeStore) RenewSendLease(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaseToken == token, nil
}

func (f *fakeStore) ReleaseSendLease(ctx context.Context, id uuid.UUID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseToken == token {
		f.leaseToken = ""
	}
	return nil
}

func (f *fakeStore) RecoverableCampaigns(ctx context.Context) ([]mailing.RecoverableCampaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recoverable, nil
}

func (f *fakeStore) status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaign.Status
}

func (f *fakeStore) countsSnapshot() mailing.CampaignCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// fakeSender records deliveries and can be told to fail specific addresses.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	sentAt  []time.Time
	failFor map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: make(map[string]bool)}
}

func (f *fakeSender) Send(ctx context.Context, msg *mailing.OutboundEmail) (*mailing.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[msg.To] {
		return &mailing.SendResult{Success: false, Error: fmt.Errorf("rejected")}, nil
	}
	now := time.Now()
	f.sent = append(f.sent, msg.To)
	f.sentAt = append(f.sentAt, now)
	return &mailing.SendResult{Success: true, MessageID: uuid.NewString(), SentAt: now}, nil
}

func (f *fakeSender) sentEmails() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) sentTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.sentAt))
	copy(out, f.sentAt)
	return out
}

// fastQueueConfig keeps test campaigns moving at millisecond scale.
func fastQueueConfig() QueueConfig {
	return QueueConfig{
		WaitSliceCap:           50 * time.Millisecond,
		AddTasksCooldown:       time.Millisecond,
		CompletionCooldown:     10 * time.Millisecond,
		EnumerateBatchSize:     500,
		IdlePollInterval:       10 * time.Millisecond,
		RefreshMultiplier:      3,
		ForceMultiplier:        5,
		RestartMultiplier:      8,
		HealthCheckMinInterval: time.Hour,
		HealthCheckMaxInterval: time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
