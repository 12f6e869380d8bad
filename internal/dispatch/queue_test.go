package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/campaign-dispatch/internal/mailing"
)

func startTestQueue(t *testing.T, fs *fakeStore, sender *fakeSender) (*CampaignQueue, *BatchWriter) {
	t.Helper()

	writer := NewBatchWriter(fs, 1000, 20*time.Millisecond)
	writer.Start()
	t.Cleanup(writer.Stop)

	q := NewCampaignQueue(fs.campaign.ID, fs, sender, mailing.NewTemplateService(), writer, fastQueueConfig())
	if err := q.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(q.Stop)
	return q, writer
}

func TestQueueSendsAllRecipientsAndCompletes(t *testing.T) {
	fs := newFakeStore(5)
	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "campaign completion")

	sent := sender.sentEmails()
	if len(sent) != 5 {
		t.Fatalf("expected 5 sends, got %d: %v", len(sent), sent)
	}
	seen := make(map[string]bool)
	for _, e := range sent {
		if seen[e] {
			t.Fatalf("duplicate send to %s", e)
		}
		seen[e] = true
	}

	counts := fs.countsSnapshot()
	if counts.Sent != 5 || counts.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestQueueRendersMergeFields(t *testing.T) {
	fs := newFakeStore(1)
	sender := newFakeSender()
	renderer := mailing.NewTemplateService()

	writer := NewBatchWriter(fs, 1000, 20*time.Millisecond)
	writer.Start()
	defer writer.Stop()

	q := NewCampaignQueue(fs.campaign.ID, fs, sender, renderer, writer, fastQueueConfig())
	if err := q.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()
	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	q.mu.Lock()
	var subject string
	if len(q.tasks) > 0 {
		subject = q.tasks[0].Subject
	}
	q.mu.Unlock()

	if subject != "Hello User0" {
		t.Fatalf("expected rendered subject, got %q", subject)
	}
}

func TestQueueCountsFailedSends(t *testing.T) {
	fs := newFakeStore(5)
	sender := newFakeSender()
	sender.failFor["user2@example.com"] = true

	q, _ := startTestQueue(t, fs, sender)
	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "campaign completion")

	counts := fs.countsSnapshot()
	if counts.Sent != 4 || counts.Failed != 1 {
		t.Fatalf("expected 4 sent / 1 failed, got %+v", counts)
	}

	// The failed recipient must carry a terminal record; no retry happens.
	fs.mu.Lock()
	rec := fs.claims["user2@example.com"]
	fs.mu.Unlock()
	if rec.Status != mailing.SendStateFailed {
		t.Fatalf("expected failed record, got %q", rec.Status)
	}
	if got := len(sender.sentEmails()); got != 4 {
		t.Fatalf("expected 4 successful sends, got %d", got)
	}
}

func TestQueueSkipsPreAttemptedRecipients(t *testing.T) {
	fs := newFakeStore(5)
	// user0 was already attempted by a previous run.
	fs.claims["user0@example.com"] = mailing.SentEmail{
		CampaignID:     fs.campaign.ID,
		RecipientEmail: "user0@example.com",
		Status:         mailing.SendStateSent,
	}
	fs.campaign.TotalRecipients = 5
	fs.counts = mailing.CampaignCounts{Sent: 1, Total: 5}

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "campaign completion")

	for _, e := range sender.sentEmails() {
		if e == "user0@example.com" {
			t.Fatal("re-sent to already attempted recipient")
		}
	}
	if got := len(sender.sentEmails()); got != 4 {
		t.Fatalf("expected 4 sends, got %d", got)
	}
}

func TestQueueSkipsLostClaimRace(t *testing.T) {
	fs := newFakeStore(5)
	// user2's claim is won by another process between enumeration and claim;
	// that process delivers and accounts for the counter, we skip.
	fs.denyClaims = map[string]bool{"user2@example.com": true}

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "campaign completion")

	for _, e := range sender.sentEmails() {
		if e == "user2@example.com" {
			t.Fatal("sent despite losing the claim race")
		}
	}
	if got := len(sender.sentEmails()); got != 4 {
		t.Fatalf("expected 4 sends from this process, got %d", got)
	}
	if st := q.GetStats(); st.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", st.Skipped)
	}
	if counts := fs.countsSnapshot(); counts.Sent != 5 {
		t.Fatalf("expected 5 sent across both processes, got %+v", counts)
	}
}

func TestQueuePausedCampaignSkipsTasksAndKeepsRunning(t *testing.T) {
	fs := newFakeStore(3)
	fs.setStatus(mailing.StatusSending, true)

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return q.GetStats().Skipped == 3
	}, "all tasks skipped")

	if got := len(sender.sentEmails()); got != 0 {
		t.Fatalf("expected no sends while paused, got %d", got)
	}
	if !q.Running() {
		t.Fatal("queue loop must survive a paused campaign")
	}
	if fs.status() == mailing.StatusCompleted {
		t.Fatal("paused campaign must not be marked completed")
	}
}

func TestQueueStoppedCampaignFailsRemainingTasks(t *testing.T) {
	fs := newFakeStore(3)
	fs.setStatus(mailing.StatusStopped, false)

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.countsSnapshot().Failed == 3
	}, "remaining tasks recorded failed")

	if got := len(sender.sentEmails()); got != 0 {
		t.Fatalf("expected no sends for stopped campaign, got %d", got)
	}
	_ = q
}

func TestQueueSingleConsumerInvariant(t *testing.T) {
	fs := newFakeStore(0)
	fs.campaign.TotalRecipients = 1 // avoid the no-recipients failure path

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	// Redundant starts and restart attempts must not add workers.
	if err := q.Start(context.Background(), 4); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	q.startConsumer()
	q.startConsumer()

	if n := atomic.LoadInt32(&q.consumers); n != 1 {
		t.Fatalf("expected exactly 1 consumer, got %d", n)
	}
}

func TestQueueForceProgressBypassesRateLimit(t *testing.T) {
	fs := newFakeStore(2)
	fs.campaign.Rate = mailing.RateConfig{Interval: time.Hour}

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	// First send is immediate (no prior send recorded).
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.sentEmails()) == 1
	}, "first send")

	// Second send would wait an hour; force-progress unblocks it.
	q.ForceProgress()
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.sentEmails()) == 2
	}, "second send after force progress")
}

func TestQueueRandomDelayStaysWithinBounds(t *testing.T) {
	q := NewCampaignQueue(newFakeStore(0).campaign.ID, newFakeStore(0), newFakeSender(), mailing.NewTemplateService(), nil, fastQueueConfig())
	q.rate = mailing.RateConfig{Random: true, Min: 2 * time.Second, Max: 9 * time.Second}

	// Both ends of [min, max] are legal draws.
	for i := 0; i < 100; i++ {
		d := q.nextDelay()
		if d < 2*time.Second || d > 9*time.Second {
			t.Fatalf("delay %s outside [2s, 9s]", d)
		}
	}
}

func TestQueueRandomDelayCanHitMax(t *testing.T) {
	q := NewCampaignQueue(newFakeStore(0).campaign.ID, newFakeStore(0), newFakeSender(), mailing.NewTemplateService(), nil, fastQueueConfig())
	// A 2ns span has three legal draws; max must be one of them.
	q.rate = mailing.RateConfig{Random: true, Min: 1, Max: 3}

	hitMax := false
	for i := 0; i < 1000 && !hitMax; i++ {
		hitMax = q.nextDelay() == 3
	}
	if !hitMax {
		t.Fatal("max delay never drawn; upper bound looks exclusive")
	}
}

func TestQueueFixedIntervalSpacesSends(t *testing.T) {
	fs := newFakeStore(3)
	interval := 120 * time.Millisecond
	fs.campaign.Rate = mailing.RateConfig{Interval: interval}

	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return len(sender.sentEmails()) == 3
	}, "all sends")

	times := sender.sentTimes()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval {
			t.Fatalf("sends %d and %d only %s apart, want >= %s", i-1, i, gap, interval)
		}
	}
}

func TestQueueConcurrentReloadWhileSending(t *testing.T) {
	fs := newFakeStore(20)
	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	// Hammer the reload path while the consumer drains: AddTasks rewrites
	// the rate config under the lock, the worker reads it between sends.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			fs.mu.Lock()
			fs.campaign.Rate = mailing.RateConfig{Interval: time.Duration(i%3+1) * time.Millisecond}
			fs.mu.Unlock()
			_ = q.AddTasks(context.Background())
			time.Sleep(time.Millisecond)
		}
	}()
	<-done

	waitFor(t, 10*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "campaign completion")

	sent := sender.sentEmails()
	seen := make(map[string]bool)
	for _, e := range sent {
		if seen[e] {
			t.Fatalf("duplicate send to %s", e)
		}
		seen[e] = true
	}
	if len(sent) != 20 {
		t.Fatalf("expected 20 sends, got %d", len(sent))
	}
}

func TestQueueFailsCampaignWithoutRecipients(t *testing.T) {
	fs := newFakeStore(0)
	sender := newFakeSender()
	q, _ := startTestQueue(t, fs, sender)

	if err := q.AddTasks(context.Background()); err == nil {
		t.Fatal("expected error for campaign without recipients")
	}
	if fs.status() != mailing.StatusFailed {
		t.Fatalf("expected failed status, got %s", fs.status())
	}
}
