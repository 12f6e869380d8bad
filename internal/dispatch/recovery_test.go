package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/campaign-dispatch/internal/mailing"
)

func TestSweeperReattachesOrphanedSendingCampaign(t *testing.T) {
	fs := newFakeStore(3)
	r, sender := newTestRegistry(t, fs)
	fs.recoverable = []mailing.RecoverableCampaign{
		{ID: fs.campaign.ID, Status: mailing.StatusSending, LastActivity: time.Now()},
	}

	s := NewSweeper(fs, r, time.Hour, time.Minute)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "orphan campaign completion")

	if got := len(sender.sentEmails()); got != 3 {
		t.Fatalf("expected 3 sends, got %d", got)
	}
}

func TestSweeperStartsDueScheduledCampaign(t *testing.T) {
	fs := newFakeStore(2)
	fs.setStatus(mailing.StatusScheduled, false)
	r, _ := newTestRegistry(t, fs)
	fs.recoverable = []mailing.RecoverableCampaign{
		{ID: fs.campaign.ID, Status: mailing.StatusScheduled, LastActivity: time.Now().Add(-time.Minute)},
	}

	s := NewSweeper(fs, r, time.Hour, time.Minute)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "scheduled campaign completion")
}

func TestSweeperLeavesPausedCampaignAlone(t *testing.T) {
	fs := newFakeStore(2)
	fs.setStatus(mailing.StatusPaused, true)
	r, sender := newTestRegistry(t, fs)
	fs.recoverable = []mailing.RecoverableCampaign{
		{ID: fs.campaign.ID, Status: mailing.StatusPaused, LastActivity: time.Now().Add(-time.Hour)},
	}

	s := NewSweeper(fs, r, time.Hour, time.Minute)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if r.HasRunningQueue(fs.campaign.ID) {
		t.Fatal("paused campaign must not be restarted by the sweeper")
	}
	if len(sender.sentEmails()) != 0 {
		t.Fatal("paused campaign must not send")
	}
}

func TestSweeperNudgesStaleQueue(t *testing.T) {
	fs := newFakeStore(2)
	fs.campaign.Rate = mailing.RateConfig{Interval: time.Hour}
	r, sender := newTestRegistry(t, fs)

	if err := r.StartCampaign(context.Background(), fs.campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.sentEmails()) == 1
	}, "first send")

	// Activity is stale past the threshold but under the rebuild cutoff:
	// the sweeper nudges the existing queue instead of rebuilding it.
	fs.recoverable = []mailing.RecoverableCampaign{
		{ID: fs.campaign.ID, Status: mailing.StatusSending, LastActivity: time.Now().Add(-90 * time.Second)},
	}
	s := NewSweeper(fs, r, time.Hour, time.Minute)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(sender.sentEmails()) == 2
	}, "second send after nudge")
}

func TestSweeperRebuildsDeadQueue(t *testing.T) {
	fs := newFakeStore(2)
	fs.campaign.Rate = mailing.RateConfig{Interval: time.Hour}
	r, sender := newTestRegistry(t, fs)

	if err := r.StartCampaign(context.Background(), fs.campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.sentEmails()) == 1
	}, "first send")

	fs.recoverable = []mailing.RecoverableCampaign{
		{ID: fs.campaign.ID, Status: mailing.StatusSending, LastActivity: time.Now().Add(-time.Hour)},
	}
	s := NewSweeper(fs, r, time.Hour, time.Minute)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// The rebuilt queue starts with a fresh rate-limit slot and finishes
	// the remaining recipient.
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.sentEmails()) == 2
	}, "send from rebuilt queue")
	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "completion after rebuild")
}

func TestSweeperRecoverCampaignOnDemand(t *testing.T) {
	fs := newFakeStore(2)
	r, _ := newTestRegistry(t, fs)
	s := NewSweeper(fs, r, time.Hour, time.Minute)

	if err := s.RecoverCampaign(context.Background(), fs.campaign.ID); err != nil {
		t.Fatalf("RecoverCampaign: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return fs.status() == mailing.StatusCompleted
	}, "on-demand recovery completion")
}

func TestSweeperRecoverIgnoresTerminalStatuses(t *testing.T) {
	fs := newFakeStore(2)
	fs.setStatus(mailing.StatusCompleted, false)
	r, _ := newTestRegistry(t, fs)
	s := NewSweeper(fs, r, time.Hour, time.Minute)

	if err := s.RecoverCampaign(context.Background(), fs.campaign.ID); err != nil {
		t.Fatalf("RecoverCampaign: %v", err)
	}
	if r.HasRunningQueue(fs.campaign.ID) {
		t.Fatal("completed campaign must not be restarted")
	}
}
