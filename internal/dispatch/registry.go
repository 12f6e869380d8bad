package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/mailing"
)

// Store is the full persistence surface the dispatch engine needs: the
// per-queue operations plus the start lease and the recovery scan.
// *mailing.Store implements it.
type Store interface {
	CampaignStore
	TryAcquireSendLease(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (bool, error)
	RenewSendLease(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (bool, error)
	ReleaseSendLease(ctx context.Context, id uuid.UUID, token string) error
	RecoverableCampaigns(ctx context.Context) ([]mailing.RecoverableCampaign, error)
}

// campaignLease tracks the send lease this process holds for one campaign,
// together with the stop channel of its renewal loop.
type campaignLease struct {
	token  string
	stopCh chan struct{}
}

// Registry owns the process-wide map from campaign id to its live queue and
// serializes campaign starts through a database lease so concurrent start
// requests (API, scheduler, recovery sweeper) converge on a single queue.
type Registry struct {
	store    Store
	sender   mailing.Sender
	renderer Renderer
	writer   *BatchWriter
	queueCfg QueueConfig
	leaseTTL time.Duration

	mu     sync.RWMutex
	queues map[uuid.UUID]*CampaignQueue
	leases map[uuid.UUID]*campaignLease

	renewWG sync.WaitGroup
}

// NewRegistry creates the queue registry. The batch writer is shared by all
// queues and must be started by the caller.
func NewRegistry(store Store, sender mailing.Sender, renderer Renderer, writer *BatchWriter, queueCfg QueueConfig, leaseTTL time.Duration) *Registry {
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &Registry{
		store:    store,
		sender:   sender,
		renderer: renderer,
		writer:   writer,
		queueCfg: queueCfg,
		leaseTTL: leaseTTL,
		queues:   make(map[uuid.UUID]*CampaignQueue),
		leases:   make(map[uuid.UUID]*campaignLease),
	}
}

// StartCampaign transitions a campaign into sending: acquires the start
// lease, marks the campaign sending, creates and registers its queue, loads
// the first task batch, and launches the worker. Idempotent under
// contention: if another starter holds the lease or a queue already exists,
// it returns nil without side effects.
func (r *Registry) StartCampaign(ctx context.Context, campaignID uuid.UUID) error {
	r.mu.RLock()
	_, exists := r.queues[campaignID]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	// The lease is held for the lifetime of the queue, not just the start
	// sequence: while this process is sending, no other process can acquire
	// it. A renewal loop keeps the expiry ahead of the TTL; if the process
	// crashes the TTL is the escape hatch that lets recovery take over.
	token := uuid.New().String()
	ok, err := r.store.TryAcquireSendLease(ctx, campaignID, token, r.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquiring send lease: %w", err)
	}
	if !ok {
		log.Printf("[Registry] Campaign %s already leased elsewhere, skipping", shortID(campaignID))
		return nil
	}
	keep := false
	defer func() {
		if keep {
			return
		}
		if err := r.store.ReleaseSendLease(context.Background(), campaignID, token); err != nil {
			log.Printf("[Registry] Error releasing send lease for %s: %v", shortID(campaignID), err)
		}
	}()

	// Re-check under the lease: a racing starter may have registered the
	// queue between our map read and the lease grant.
	r.mu.Lock()
	if _, exists := r.queues[campaignID]; exists {
		r.mu.Unlock()
		return nil
	}

	q := NewCampaignQueue(campaignID, r.store, r.sender, r.renderer, r.writer, r.queueCfg)
	q.SetOnComplete(r.onQueueComplete)
	r.queues[campaignID] = q
	r.mu.Unlock()

	if err := r.store.UpdateCampaignStatus(ctx, campaignID, mailing.StatusSending); err != nil {
		r.removeQueue(campaignID)
		return fmt.Errorf("marking campaign sending: %w", err)
	}

	if err := q.Start(ctx, 1); err != nil {
		r.removeQueue(campaignID)
		return fmt.Errorf("starting queue: %w", err)
	}
	if err := q.AddTasks(ctx); err != nil {
		q.Stop()
		r.removeQueue(campaignID)
		return fmt.Errorf("loading tasks: %w", err)
	}

	lease := &campaignLease{token: token, stopCh: make(chan struct{})}
	r.mu.Lock()
	r.leases[campaignID] = lease
	r.mu.Unlock()
	r.renewWG.Add(1)
	go r.renewLease(campaignID, lease)
	keep = true

	log.Printf("[Registry] Campaign %s started", shortID(campaignID))
	return nil
}

// renewLease keeps the send lease alive while the queue runs. A lost renewal
// means another process decided we were dead; log it and stop renewing.
func (r *Registry) renewLease(campaignID uuid.UUID, lease *campaignLease) {
	defer r.renewWG.Done()
	interval := r.leaseTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lease.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := r.store.RenewSendLease(ctx, campaignID, lease.token, r.leaseTTL)
			cancel()
			if err != nil {
				log.Printf("[Registry] Error renewing send lease for %s: %v", shortID(campaignID), err)
				continue
			}
			if !ok {
				log.Printf("[Registry] Send lease for %s lost; renewal stopped", shortID(campaignID))
				return
			}
		}
	}
}

// releaseLease stops the renewal loop and clears the lease row so another
// process can start the campaign without waiting out the TTL.
func (r *Registry) releaseLease(campaignID uuid.UUID) {
	r.mu.Lock()
	lease := r.leases[campaignID]
	delete(r.leases, campaignID)
	r.mu.Unlock()
	if lease == nil {
		return
	}
	close(lease.stopCh)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.ReleaseSendLease(ctx, campaignID, lease.token); err != nil {
		log.Printf("[Registry] Error releasing send lease for %s: %v", shortID(campaignID), err)
	}
}

func (r *Registry) onQueueComplete(campaignID uuid.UUID) {
	r.removeQueue(campaignID)
	r.releaseLease(campaignID)
}

// StopCampaign hard-stops a campaign: the queue is torn down, pending tasks
// are discarded, and the status moves to stopped. Tolerates a missing queue
// so the status transition always lands.
func (r *Registry) StopCampaign(ctx context.Context, campaignID uuid.UUID) error {
	if q := r.getQueue(campaignID); q != nil {
		q.Stop()
		r.removeQueue(campaignID)
	}
	r.releaseLease(campaignID)
	if err := r.store.UpdateCampaignStatus(ctx, campaignID, mailing.StatusStopped); err != nil {
		return fmt.Errorf("marking campaign stopped: %w", err)
	}
	log.Printf("[Registry] Campaign %s stopped", shortID(campaignID))
	return nil
}

// PauseCampaign soft-stops a campaign: the queue stays registered with its
// task list intact so Resume is cheap. The send lease stays held too; a
// paused campaign still belongs to this process until stopped or completed.
func (r *Registry) PauseCampaign(ctx context.Context, campaignID uuid.UUID) error {
	if err := r.store.UpdateCampaignStatus(ctx, campaignID, mailing.StatusPaused); err != nil {
		return fmt.Errorf("marking campaign paused: %w", err)
	}
	if q := r.getQueue(campaignID); q != nil {
		q.Pause()
	}
	log.Printf("[Registry] Campaign %s paused", shortID(campaignID))
	return nil
}

// ResumeCampaign restarts a paused campaign. If the process restarted since
// the pause the queue is gone; fall back to a full start, which re-enumerates
// the remaining recipients.
func (r *Registry) ResumeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	if err := r.store.UpdateCampaignStatus(ctx, campaignID, mailing.StatusSending); err != nil {
		return fmt.Errorf("marking campaign sending: %w", err)
	}
	if q := r.getQueue(campaignID); q != nil {
		return q.Resume(ctx)
	}
	return r.StartCampaign(ctx, campaignID)
}

// RefreshCampaign runs the lossless stuck-state remediation on a live queue.
func (r *Registry) RefreshCampaign(campaignID uuid.UUID) error {
	q := r.getQueue(campaignID)
	if q == nil {
		return fmt.Errorf("no running queue for campaign %s", campaignID)
	}
	q.Refresh()
	return nil
}

// ForceProgress resets the rate-limit wait on a live queue.
func (r *Registry) ForceProgress(campaignID uuid.UUID) error {
	q := r.getQueue(campaignID)
	if q == nil {
		return fmt.Errorf("no running queue for campaign %s", campaignID)
	}
	q.ForceProgress()
	return nil
}

// HasRunningQueue reports whether a live queue exists for the campaign.
func (r *Registry) HasRunningQueue(campaignID uuid.UUID) bool {
	return r.getQueue(campaignID) != nil
}

// QueueStats returns the stats snapshot for one campaign, if registered.
func (r *Registry) QueueStats(campaignID uuid.UUID) (QueueStats, bool) {
	q := r.getQueue(campaignID)
	if q == nil {
		return QueueStats{}, false
	}
	return q.GetStats(), true
}

// GetAllStats snapshots every registered queue.
func (r *Registry) GetAllStats() []QueueStats {
	r.mu.RLock()
	queues := make([]*CampaignQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	stats := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.GetStats())
	}
	return stats
}

// Shutdown stops every queue without changing campaign statuses, so the
// recovery sweeper of the next process re-attaches them. Leases are released
// here; the successor does not have to wait out the TTL.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	queues := r.queues
	leases := r.leases
	r.queues = make(map[uuid.UUID]*CampaignQueue)
	r.leases = make(map[uuid.UUID]*campaignLease)
	r.mu.Unlock()

	log.Printf("[Registry] Shutting down %d queues", len(queues))
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *CampaignQueue) {
			defer wg.Done()
			q.Stop()
		}(q)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, lease := range leases {
		close(lease.stopCh)
		if err := r.store.ReleaseSendLease(ctx, id, lease.token); err != nil {
			log.Printf("[Registry] Error releasing send lease for %s: %v", shortID(id), err)
		}
	}
	r.renewWG.Wait()
}

func (r *Registry) getQueue(campaignID uuid.UUID) *CampaignQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queues[campaignID]
}

func (r *Registry) removeQueue(campaignID uuid.UUID) {
	r.mu.Lock()
	delete(r.queues, campaignID)
	r.mu.Unlock()
}
