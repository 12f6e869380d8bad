package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/mailing"
)

// Sweeper re-attaches campaigns that should be sending but have no live
// queue: after a process restart, a crash mid-campaign, or a queue that
// silently died. It runs one full scan at startup and then a recurring scan.
//
// Remediation is layered by staleness: missing queues are restarted
// immediately, queues that exist but show no recent activity get a
// force-progress nudge, and queues stale past twice the threshold are torn
// down and rebuilt.
type Sweeper struct {
	store    Store
	registry *Registry

	sweepInterval  time.Duration
	staleThreshold time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// NewSweeper creates a recovery sweeper bound to a registry.
func NewSweeper(store Store, registry *Registry, sweepInterval, staleThreshold time.Duration) *Sweeper {
	if sweepInterval <= 0 {
		sweepInterval = 2 * time.Minute
	}
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	return &Sweeper{
		store:          store,
		registry:       registry,
		sweepInterval:  sweepInterval,
		staleThreshold: staleThreshold,
	}
}

// Initialize runs the startup scan synchronously so in-flight campaigns are
// re-attached before the process starts accepting new work.
func (s *Sweeper) Initialize(ctx context.Context) error {
	log.Printf("[Sweeper] Running startup recovery scan")
	return s.sweep(ctx)
}

// Start launches the recurring scan loop.
func (s *Sweeper) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.sweepInterval)
				if err := s.sweep(ctx); err != nil {
					log.Printf("[Sweeper] Sweep error: %v", err)
				}
				cancel()
			}
		}
	}()
	log.Printf("[Sweeper] Started (interval=%s, stale threshold=%s)", s.sweepInterval, s.staleThreshold)
}

// Stop halts the recurring scan.
func (s *Sweeper) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) error {
	candidates, err := s.store.RecoverableCampaigns(ctx)
	if err != nil {
		return err
	}

	var recovered, nudged int
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch s.check(ctx, c) {
		case actionRestarted:
			recovered++
		case actionNudged:
			nudged++
		}
	}

	if recovered > 0 || nudged > 0 {
		log.Printf("[Sweeper] Scan finished: %d candidates, %d restarted, %d nudged",
			len(candidates), recovered, nudged)
	}
	return nil
}

type sweepAction int

const (
	actionNone sweepAction = iota
	actionRestarted
	actionNudged
)

func (s *Sweeper) check(ctx context.Context, c mailing.RecoverableCampaign) sweepAction {
	hasQueue := s.registry.HasRunningQueue(c.ID)

	switch c.Status {
	case mailing.StatusScheduled:
		// Due scheduled campaigns with no queue simply never started.
		if hasQueue {
			return actionNone
		}
		log.Printf("[Sweeper] Starting due scheduled campaign %s", shortID(c.ID))
		if err := s.registry.StartCampaign(ctx, c.ID); err != nil {
			log.Printf("[Sweeper] Error starting %s: %v", shortID(c.ID), err)
			return actionNone
		}
		return actionRestarted

	case mailing.StatusPaused:
		// Paused campaigns are intentional; surface them but leave the
		// restart decision to an explicit resume.
		if !hasQueue {
			log.Printf("[Sweeper] Paused campaign %s has no queue; awaiting resume", shortID(c.ID))
		}
		return actionNone

	case mailing.StatusSending:
		if !hasQueue {
			log.Printf("[Sweeper] Re-attaching orphaned sending campaign %s", shortID(c.ID))
			if err := s.registry.StartCampaign(ctx, c.ID); err != nil {
				log.Printf("[Sweeper] Error re-attaching %s: %v", shortID(c.ID), err)
				return actionNone
			}
			return actionRestarted
		}

		stale := time.Since(c.LastActivity)
		switch {
		case stale >= 2*s.staleThreshold:
			// The queue exists but has been dead for a long time: rebuild it.
			log.Printf("[Sweeper] Rebuilding stale queue for %s (idle=%s)", shortID(c.ID), stale)
			if err := s.rebuild(ctx, c.ID); err != nil {
				log.Printf("[Sweeper] Error rebuilding %s: %v", shortID(c.ID), err)
				return actionNone
			}
			return actionRestarted

		case stale >= s.staleThreshold:
			log.Printf("[Sweeper] Nudging stale queue for %s (idle=%s)", shortID(c.ID), stale)
			_ = s.registry.RefreshCampaign(c.ID)
			_ = s.registry.ForceProgress(c.ID)
			return actionNudged
		}
	}
	return actionNone
}

func (s *Sweeper) rebuild(ctx context.Context, campaignID uuid.UUID) error {
	if q := s.registry.getQueue(campaignID); q != nil {
		q.Stop()
		s.registry.removeQueue(campaignID)
	}
	// Hand back our own lease, otherwise the restart blocks on it.
	s.registry.releaseLease(campaignID)
	return s.registry.StartCampaign(ctx, campaignID)
}

// RecoverCampaign forces an immediate recovery check for one campaign,
// bypassing the sweep schedule. Used by the control API.
func (s *Sweeper) RecoverCampaign(ctx context.Context, campaignID uuid.UUID) error {
	status, _, err := s.store.GetCampaignStatus(ctx, campaignID)
	if err != nil {
		return err
	}
	return s.checkOne(ctx, campaignID, status)
}

func (s *Sweeper) checkOne(ctx context.Context, campaignID uuid.UUID, status string) error {
	if status != mailing.StatusSending && status != mailing.StatusScheduled {
		return nil
	}
	if s.registry.HasRunningQueue(campaignID) {
		_ = s.registry.RefreshCampaign(campaignID)
		_ = s.registry.ForceProgress(campaignID)
		return nil
	}
	return s.registry.StartCampaign(ctx, campaignID)
}
