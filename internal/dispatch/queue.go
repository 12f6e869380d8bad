package dispatch

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/mailing"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// =============================================================================
// CAMPAIGN QUEUE - Per-Campaign Rate-Limited Send Loop
// =============================================================================
// One instance per active campaign. Owns the in-memory task list, exactly one
// worker loop (single-threaded sending is an anti-abuse requirement, not a
// performance knob), the rate-limit state, and a self-healing monitor.

// CampaignStore is the slice of the persistent store a campaign queue needs.
// *mailing.Store implements it.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*mailing.Campaign, error)
	GetCampaignStatus(ctx context.Context, id uuid.UUID) (status string, paused bool, err error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string) error
	CountRecipients(ctx context.Context, c *mailing.Campaign) (int, error)
	SetCampaignTotal(ctx context.Context, id uuid.UUID, total int) error
	EnumerateRecipients(ctx context.Context, c *mailing.Campaign, offset, limit int) ([]mailing.Recipient, error)
	AttemptedRecipients(ctx context.Context, campaignID uuid.UUID, emails []string) (map[string]bool, error)
	ClaimSend(ctx context.Context, rec *mailing.SentEmail) (bool, error)
	FinalizeSend(ctx context.Context, taskID uuid.UUID, status, messageID, errMsg string) error
	ReleaseClaims(ctx context.Context, taskIDs []uuid.UUID) error
	GetCounts(ctx context.Context, id uuid.UUID) (mailing.CampaignCounts, error)
}

// Renderer personalizes subject/body for one recipient.
// *mailing.TemplateService implements it.
type Renderer interface {
	Render(subjectTmpl, bodyTmpl string, r mailing.Recipient, mode mailing.RenderMode) (*mailing.RenderedEmail, error)
}

// QueueConfig holds the queue's policy constants. The escalation multipliers
// and clamps are tunable policy, not load-bearing correctness requirements.
type QueueConfig struct {
	WaitSliceCap       time.Duration
	AddTasksCooldown   time.Duration
	CompletionCooldown time.Duration
	EnumerateBatchSize int
	IdlePollInterval   time.Duration

	RefreshMultiplier      int
	ForceMultiplier        int
	RestartMultiplier      int
	HealthCheckMinInterval time.Duration
	HealthCheckMaxInterval time.Duration
}

// DefaultQueueConfig returns the standard tuning.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WaitSliceCap:           60 * time.Second,
		AddTasksCooldown:       5 * time.Second,
		CompletionCooldown:     30 * time.Second,
		EnumerateBatchSize:     500,
		IdlePollInterval:       2 * time.Second,
		RefreshMultiplier:      3,
		ForceMultiplier:        5,
		RestartMultiplier:      8,
		HealthCheckMinInterval: 30 * time.Second,
		HealthCheckMaxInterval: 120 * time.Second,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	def := DefaultQueueConfig()
	if c.WaitSliceCap <= 0 {
		c.WaitSliceCap = def.WaitSliceCap
	}
	if c.AddTasksCooldown <= 0 {
		c.AddTasksCooldown = def.AddTasksCooldown
	}
	if c.CompletionCooldown <= 0 {
		c.CompletionCooldown = def.CompletionCooldown
	}
	if c.EnumerateBatchSize <= 0 {
		c.EnumerateBatchSize = def.EnumerateBatchSize
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = def.IdlePollInterval
	}
	if c.RefreshMultiplier <= 0 {
		c.RefreshMultiplier = def.RefreshMultiplier
	}
	if c.ForceMultiplier <= 0 {
		c.ForceMultiplier = def.ForceMultiplier
	}
	if c.RestartMultiplier <= 0 {
		c.RestartMultiplier = def.RestartMultiplier
	}
	if c.HealthCheckMinInterval <= 0 {
		c.HealthCheckMinInterval = def.HealthCheckMinInterval
	}
	if c.HealthCheckMaxInterval <= 0 {
		c.HealthCheckMaxInterval = def.HealthCheckMaxInterval
	}
	return c
}

// QueueStats is a point-in-time snapshot of one campaign queue.
type QueueStats struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	Sent         int64     `json:"sent"`
	Failed       int64     `json:"failed"`
	Skipped      int64     `json:"skipped"`
	Running      bool      `json:"running"`
	Paused       bool      `json:"paused"`
	Consumers    int32     `json:"consumers"`
	LastSendAt   time.Time `json:"last_send_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CampaignQueue drives the sending of one campaign.
type CampaignQueue struct {
	campaignID uuid.UUID
	store      CampaignStore
	sender     mailing.Sender
	renderer   Renderer
	writer     *BatchWriter
	cfg        QueueConfig

	// onComplete deregisters the queue from the registry when the campaign
	// finishes. May be nil in tests.
	onComplete func(uuid.UUID)

	// Campaign content cached at start; reloaded on each AddTasks.
	rate      mailing.RateConfig
	subject   string
	htmlBody  string
	fromName  string
	fromEmail string
	replyTo   string

	mu           sync.Mutex
	tasks        []*EmailTask
	inFlight     map[uuid.UUID]struct{}
	running      bool
	paused       bool
	completed    bool
	lastSendAt   time.Time
	lastActivity time.Time
	lastRefresh  time.Time
	lastComplete time.Time
	addingTasks  bool
	lastAddTasks time.Time

	// consumers must never exceed 1; guarded by CAS in startConsumer.
	consumers int32

	processed int64
	sentCount int64
	failCount int64
	skipCount int64

	stopCh    chan struct{}
	wakeCh    chan struct{}
	monitorCh chan struct{}
	wg        sync.WaitGroup
	monitorWG sync.WaitGroup
}

// NewCampaignQueue creates a queue for one campaign. The queue is inert
// until Start is called.
func NewCampaignQueue(campaignID uuid.UUID, store CampaignStore, sender mailing.Sender, renderer Renderer, writer *BatchWriter, cfg QueueConfig) *CampaignQueue {
	return &CampaignQueue{
		campaignID: campaignID,
		store:      store,
		sender:     sender,
		renderer:   renderer,
		writer:     writer,
		cfg:        cfg.withDefaults(),
		inFlight:   make(map[uuid.UUID]struct{}),
		wakeCh:     make(chan struct{}, 1),
	}
}

// SetOnComplete registers the deregistration callback.
func (q *CampaignQueue) SetOnComplete(fn func(uuid.UUID)) {
	q.onComplete = fn
}

// CampaignID returns the campaign this queue drives.
func (q *CampaignQueue) CampaignID() uuid.UUID {
	return q.campaignID
}

// Start launches the worker loop and health monitor. Idempotent: returns
// immediately if already running. The concurrency argument is accepted for
// interface symmetry but forced to 1: serial sending per campaign is a
// correctness requirement.
func (q *CampaignQueue) Start(ctx context.Context, concurrency int) error {
	if concurrency != 1 {
		log.Printf("[CampaignQueue %s] Forcing concurrency %d -> 1", shortID(q.campaignID), concurrency)
	}

	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}

	// Load rate-control configuration and content from the store.
	c, err := q.store.GetCampaign(ctx, q.campaignID)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("loading campaign: %w", err)
	}
	if c == nil {
		q.mu.Unlock()
		return fmt.Errorf("campaign %s not found", q.campaignID)
	}
	q.applyCampaignLocked(c)

	q.running = true
	q.paused = false
	q.stopCh = make(chan struct{})
	q.monitorCh = make(chan struct{})
	q.lastActivity = time.Now()
	rate := q.rate
	q.mu.Unlock()

	log.Printf("[CampaignQueue %s] Starting (interval=%s random=%v)",
		shortID(q.campaignID), rate.Interval, rate.Random)

	q.startConsumer()
	q.startMonitor()
	return nil
}

func (q *CampaignQueue) applyCampaignLocked(c *mailing.Campaign) {
	q.rate = c.Rate
	q.subject = c.Subject
	q.htmlBody = c.HTMLContent
	q.fromName = c.FromName
	q.fromEmail = c.FromEmail
	q.replyTo = c.ReplyTo
}

// rateSnapshot copies the rate config under the lock. AddTasks reloads the
// campaign while the worker runs, so every read outside q.mu goes through
// this snapshot.
func (q *CampaignQueue) rateSnapshot() mailing.RateConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rate
}

// startConsumer launches the worker loop if none is running. The CAS is the
// single-writer guard: a second Start or a monitor restart can never spawn
// a second loop.
func (q *CampaignQueue) startConsumer() {
	if !atomic.CompareAndSwapInt32(&q.consumers, 0, 1) {
		return
	}
	q.wg.Add(1)
	go q.consume()
}

// Stop is a hard cancel: discards pending tasks, clears in-flight markers,
// and stops the loops. The campaign status itself is owned by the caller.
func (q *CampaignQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	close(q.monitorCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.monitorWG.Wait()

	q.mu.Lock()
	dropped := len(q.tasks)
	q.tasks = nil
	stuck := q.inFlightIDsLocked()
	q.inFlight = make(map[uuid.UUID]struct{})
	q.mu.Unlock()

	q.releaseClaims(stuck)

	log.Printf("[CampaignQueue %s] Stopped (dropped=%d tasks)", shortID(q.campaignID), dropped)
}

// Pause is a soft cancel: stops the worker loop but preserves the task list,
// clears in-flight markers, and keeps the queue registered for Resume.
func (q *CampaignQueue) Pause() {
	q.mu.Lock()
	if !q.running {
		q.paused = true
		q.mu.Unlock()
		return
	}
	q.running = false
	q.paused = true
	close(q.stopCh)
	close(q.monitorCh)
	retained := len(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	q.monitorWG.Wait()

	q.mu.Lock()
	stuck := q.inFlightIDsLocked()
	q.inFlight = make(map[uuid.UUID]struct{})
	q.mu.Unlock()

	q.releaseClaims(stuck)

	log.Printf("[CampaignQueue %s] Paused (retained=%d tasks)", shortID(q.campaignID), retained)
}

// Resume restarts exactly one worker against the preserved task list,
// re-adding tasks only if the list drained to empty while paused.
func (q *CampaignQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.paused = false
		q.mu.Unlock()
		return nil
	}
	drained := len(q.tasks) == 0
	q.mu.Unlock()

	if err := q.Start(ctx, 1); err != nil {
		return err
	}
	if drained {
		if err := q.AddTasks(ctx); err != nil {
			return err
		}
	}
	log.Printf("[CampaignQueue %s] Resumed (refill=%v)", shortID(q.campaignID), drained)
	return nil
}

// AddTasks enumerates not-yet-processed recipients into in-memory tasks,
// resuming at index sent+failed. Guarded by an in-progress flag plus a
// cooldown so racing triggers cannot duplicate the enumeration.
func (q *CampaignQueue) AddTasks(ctx context.Context) error {
	q.mu.Lock()
	if q.addingTasks || time.Since(q.lastAddTasks) < q.cfg.AddTasksCooldown {
		q.mu.Unlock()
		return nil
	}
	q.addingTasks = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.addingTasks = false
		q.lastAddTasks = time.Now()
		q.lastActivity = time.Now()
		q.mu.Unlock()
	}()

	c, err := q.store.GetCampaign(ctx, q.campaignID)
	if err != nil {
		return fmt.Errorf("loading campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", q.campaignID)
	}

	// Setup validation: a campaign without content or sender identity can
	// never send: fail it rather than let the queue spin.
	if c.Subject == "" || c.HTMLContent == "" || c.FromEmail == "" {
		q.failCampaign(ctx, "missing subject, content, or sender identity")
		return fmt.Errorf("campaign %s is not sendable", q.campaignID)
	}

	q.mu.Lock()
	q.applyCampaignLocked(c)
	q.mu.Unlock()

	if c.TotalRecipients == 0 {
		total, err := q.store.CountRecipients(ctx, c)
		if err != nil {
			return fmt.Errorf("counting recipients: %w", err)
		}
		if total == 0 {
			q.failCampaign(ctx, "no recipients for configured source")
			return fmt.Errorf("campaign %s has no recipients", q.campaignID)
		}
		if err := q.store.SetCampaignTotal(ctx, q.campaignID, total); err != nil {
			return fmt.Errorf("recording total: %w", err)
		}
		c.TotalRecipients = total
	}

	counts, err := q.store.GetCounts(ctx, q.campaignID)
	if err != nil {
		return fmt.Errorf("reading counts: %w", err)
	}
	offset := counts.Sent + counts.Failed

	var added int
	for {
		recipients, err := q.store.EnumerateRecipients(ctx, c, offset+added, q.cfg.EnumerateBatchSize)
		if err != nil {
			return fmt.Errorf("enumerating recipients: %w", err)
		}
		if len(recipients) == 0 {
			break
		}

		emails := make([]string, len(recipients))
		for i, r := range recipients {
			emails[i] = r.Email
		}
		// One existence query per batch, not per recipient.
		attempted, err := q.store.AttemptedRecipients(ctx, q.campaignID, emails)
		if err != nil {
			return fmt.Errorf("checking attempted recipients: %w", err)
		}

		batch := make([]*EmailTask, 0, len(recipients))
		for _, r := range recipients {
			if attempted[r.Email] {
				continue
			}
			rendered, err := q.renderer.Render(c.Subject, c.HTMLContent, r, mailing.RenderModeLax)
			if err != nil {
				logger.Warn("render failed, recipient skipped",
					"campaign", shortID(q.campaignID), "email", r.Email, "error", err.Error())
				continue
			}
			batch = append(batch, NewEmailTask(q.campaignID, r.Email, r.Name,
				rendered.Subject, rendered.Body, c.FromName, c.FromEmail, c.ReplyTo))
		}

		q.mu.Lock()
		q.tasks = append(q.tasks, batch...)
		q.mu.Unlock()
		added += len(recipients)

		if len(recipients) < q.cfg.EnumerateBatchSize {
			break
		}
	}

	q.wake()
	log.Printf("[CampaignQueue %s] Enumerated %d recipients from offset %d",
		shortID(q.campaignID), added, offset)
	return nil
}

func (q *CampaignQueue) failCampaign(ctx context.Context, reason string) {
	if err := q.store.UpdateCampaignStatus(ctx, q.campaignID, mailing.StatusFailed); err != nil {
		log.Printf("[CampaignQueue %s] Error marking campaign failed: %v", shortID(q.campaignID), err)
	}
	q.writer.AddLog(q.campaignID, mailing.LogError, "campaign failed: "+reason)
}

func (q *CampaignQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// =============================================================================
// Worker loop
// =============================================================================

func (q *CampaignQueue) consume() {
	defer q.wg.Done()
	defer atomic.AddInt32(&q.consumers, -1)

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		task := q.popTask()
		if task == nil {
			q.maybeComplete()
			select {
			case <-q.stopCh:
				return
			case <-q.wakeCh:
			case <-time.After(q.cfg.IdlePollInterval):
			}
			continue
		}

		q.processTask(task)

		q.mu.Lock()
		idle := len(q.tasks) == 0 && len(q.inFlight) == 0
		q.mu.Unlock()
		if idle {
			q.maybeComplete()
		}
	}
}

// popTask removes the head task and marks it in flight.
func (q *CampaignQueue) popTask() *EmailTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.inFlight[task.ID] = struct{}{}
	return task
}

// requeueFront puts a task back at the head of the list, e.g. after a
// transient status-read error. The task was never claimed, so this cannot
// duplicate a delivery.
func (q *CampaignQueue) requeueFront(task *EmailTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, task.ID)
	q.tasks = append([]*EmailTask{task}, q.tasks...)
}

func (q *CampaignQueue) dropTask(task *EmailTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, task.ID)
	q.lastActivity = time.Now()
}

func (q *CampaignQueue) processTask(task *EmailTask) {
	// 1. Enforce the inter-send delay.
	if !q.waitForSlot() {
		// Stopped during the wait. Put the task back so a pause keeps the
		// list intact; a hard stop discards the list anyway.
		q.requeueFront(task)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Re-check campaign state right before the attempt.
	status, pauseFlag, err := q.store.GetCampaignStatus(ctx, q.campaignID)
	if err != nil {
		log.Printf("[CampaignQueue %s] Status check error: %v", shortID(q.campaignID), err)
		q.requeueFront(task)
		select {
		case <-q.stopCh:
		case <-time.After(time.Second):
		}
		return
	}

	switch {
	case status == mailing.StatusStopped || status == mailing.StatusFailed:
		// Count it failed; no claim exists, so the record goes through the writer.
		q.writer.AddSentEmail(mailing.SentEmail{
			ID:             task.ID,
			CampaignID:     task.CampaignID,
			RecipientEmail: task.Email,
			RecipientName:  task.Name,
			Status:         mailing.SendStateFailed,
			ErrorMessage:   "campaign " + status,
		})
		q.writer.AddStatsUpdate(q.campaignID, 0, 1)
		atomic.AddInt64(&q.failCount, 1)
		atomic.AddInt64(&q.processed, 1)
		q.dropTask(task)
		return

	case pauseFlag || status == mailing.StatusPaused:
		// Manual pause: drop the task as skipped but keep the loop running so
		// the queue can never strand itself in an unresumable state. The
		// recipient has no record yet and is re-enumerated on resume.
		logger.Info("send skipped, campaign paused",
			"campaign", shortID(q.campaignID), "email", task.Email)
		q.writer.AddLog(q.campaignID, mailing.LogInfo,
			"skipped "+logger.RedactEmail(task.Email)+": campaign paused")
		atomic.AddInt64(&q.skipCount, 1)
		q.dropTask(task)
		return
	}

	// 3. Atomic claim: the unique constraint on (campaign, recipient) is the
	// sole cross-process dedup primitive. Losing the race is not an error.
	claimed, err := q.store.ClaimSend(ctx, &mailing.SentEmail{
		ID:             task.ID,
		CampaignID:     task.CampaignID,
		RecipientEmail: task.Email,
		RecipientName:  task.Name,
	})
	if err != nil {
		log.Printf("[CampaignQueue %s] Claim error: %v", shortID(q.campaignID), err)
		atomic.AddInt64(&q.skipCount, 1)
		q.dropTask(task)
		return
	}
	if !claimed {
		atomic.AddInt64(&q.skipCount, 1)
		q.dropTask(task)
		return
	}

	// 4. Deliver. A transport error is terminal for this recipient: the
	// claim row moves to 'failed' and is never retried, guaranteeing at
	// most one attempt per recipient.
	result, err := q.sender.Send(ctx, &mailing.OutboundEmail{
		CampaignID: task.CampaignID.String(),
		TaskID:     task.ID.String(),
		To:         task.Email,
		ToName:     task.Name,
		FromName:   task.FromName,
		FromEmail:  task.FromEmail,
		ReplyTo:    task.ReplyTo,
		Subject:    task.Subject,
		HTMLBody:   task.HTMLBody,
	})

	now := time.Now()
	if err == nil && result != nil && result.Success {
		if err := q.store.FinalizeSend(ctx, task.ID, mailing.SendStateSent, result.MessageID, ""); err != nil {
			log.Printf("[CampaignQueue %s] Finalize error: %v", shortID(q.campaignID), err)
		}
		logger.Info("email sent",
			"campaign", shortID(q.campaignID), "email", task.Email, "message_id", result.MessageID)
		q.writer.AddStatsUpdate(q.campaignID, 1, 0)
		q.writer.AddLog(q.campaignID, mailing.LogInfo,
			"sent to "+logger.RedactEmail(task.Email))
		atomic.AddInt64(&q.sentCount, 1)
	} else {
		errMsg := "send failed"
		if err != nil {
			errMsg = err.Error()
		} else if result != nil && result.Error != nil {
			errMsg = result.Error.Error()
		}
		if ferr := q.store.FinalizeSend(ctx, task.ID, mailing.SendStateFailed, "", errMsg); ferr != nil {
			log.Printf("[CampaignQueue %s] Finalize error: %v", shortID(q.campaignID), ferr)
		}
		logger.Error("email send failed",
			"campaign", shortID(q.campaignID), "email", task.Email, "error", errMsg)
		q.writer.AddStatsUpdate(q.campaignID, 0, 1)
		q.writer.AddLog(q.campaignID, mailing.LogError,
			"failed to "+logger.RedactEmail(task.Email)+": "+errMsg)
		atomic.AddInt64(&q.failCount, 1)
	}

	atomic.AddInt64(&q.processed, 1)

	q.mu.Lock()
	q.lastSendAt = now
	q.lastActivity = now
	delete(q.inFlight, task.ID)
	q.mu.Unlock()
}

// nextDelay computes the required inter-send delay. With random intervals
// enabled the delay is drawn uniformly from [min, max], both ends included.
func (q *CampaignQueue) nextDelay() time.Duration {
	rate := q.rateSnapshot()
	if rate.Random && rate.Max > rate.Min {
		return rate.Min + time.Duration(rand.Int63n(int64(rate.Max-rate.Min)+1))
	}
	if rate.Random {
		return rate.Min
	}
	return rate.Interval
}

// waitForSlot blocks until the inter-send delay since the last send has
// elapsed, in slices capped at WaitSliceCap so a stop is observed promptly.
// Returns false if the queue was stopped while waiting. A zero lastSendAt
// (initial state, or reset by force-progress) permits an immediate send.
func (q *CampaignQueue) waitForSlot() bool {
	delay := q.nextDelay()
	for {
		q.mu.Lock()
		last := q.lastSendAt
		q.mu.Unlock()

		if last.IsZero() {
			return true
		}
		remaining := delay - time.Since(last)
		if remaining <= 0 {
			return true
		}
		slice := remaining
		if slice > q.cfg.WaitSliceCap {
			slice = q.cfg.WaitSliceCap
		}
		select {
		case <-q.stopCh:
			return false
		case <-time.After(slice):
		}
	}
}

// =============================================================================
// Completion detection
// =============================================================================

// maybeComplete marks the campaign completed once every recipient is
// accounted for. It force-flushes the batch writer and re-reads the
// authoritative counts; a cooldown prevents repeated checks from stampeding
// the store.
func (q *CampaignQueue) maybeComplete() {
	q.mu.Lock()
	if q.completed || q.paused || !q.running {
		q.mu.Unlock()
		return
	}
	if len(q.tasks) > 0 || len(q.inFlight) > 0 {
		q.mu.Unlock()
		return
	}
	if time.Since(q.lastComplete) < q.cfg.CompletionCooldown {
		q.mu.Unlock()
		return
	}
	q.lastComplete = time.Now()
	activity := q.lastActivity
	maxDelay := q.rate.MaxDelay()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := q.writer.ForceFlush(ctx); err != nil {
		log.Printf("[CampaignQueue %s] Completion flush error: %v", shortID(q.campaignID), err)
		return
	}

	// Only a sending campaign can complete; stopped/failed/paused statuses
	// are owned by their own transitions.
	status, pauseFlag, err := q.store.GetCampaignStatus(ctx, q.campaignID)
	if err != nil {
		log.Printf("[CampaignQueue %s] Completion status check error: %v", shortID(q.campaignID), err)
		return
	}
	if pauseFlag || status != mailing.StatusSending {
		return
	}

	counts, err := q.store.GetCounts(ctx, q.campaignID)
	if err != nil {
		log.Printf("[CampaignQueue %s] Completion count error: %v", shortID(q.campaignID), err)
		return
	}

	// Guard against declaring completion before the first task batch is even
	// loaded: require recent activity or at least one processed message.
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	recentActivity := !activity.IsZero() && time.Since(activity) < 2*maxDelay+q.cfg.CompletionCooldown
	if !counts.Done() || (!recentActivity && atomic.LoadInt64(&q.processed) == 0) {
		return
	}

	if err := q.store.UpdateCampaignStatus(ctx, q.campaignID, mailing.StatusCompleted); err != nil {
		log.Printf("[CampaignQueue %s] Error marking completed: %v", shortID(q.campaignID), err)
		return
	}

	q.mu.Lock()
	q.completed = true
	q.running = false
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	select {
	case <-q.monitorCh:
	default:
		close(q.monitorCh)
	}
	q.mu.Unlock()

	log.Printf("[CampaignQueue %s] Completed (sent=%d failed=%d total=%d)",
		shortID(q.campaignID), counts.Sent, counts.Failed, counts.Total)
	q.writer.AddLog(q.campaignID, mailing.LogInfo,
		fmt.Sprintf("campaign completed: sent=%d failed=%d total=%d", counts.Sent, counts.Failed, counts.Total))

	if q.onComplete != nil {
		q.onComplete(q.campaignID)
	}
}

// =============================================================================
// Self-healing monitor
// =============================================================================
// The wait-then-send loop can legitimately look idle for long stretches under
// large configured intervals, so all thresholds scale with the max possible
// inter-send delay rather than fixed timeouts. Three escalating remediations:
// refresh, force-progress, consumer restart.

func (q *CampaignQueue) startMonitor() {
	q.monitorWG.Add(1)
	go func() {
		defer q.monitorWG.Done()

		ticker := time.NewTicker(q.monitorInterval())
		defer ticker.Stop()

		for {
			select {
			case <-q.monitorCh:
				return
			case <-ticker.C:
				q.healthCheck()
			}
		}
	}()
}

// monitorInterval derives the check cadence from the send rate: half the max
// possible inter-send delay, clamped to the configured bounds.
func (q *CampaignQueue) monitorInterval() time.Duration {
	interval := q.rateSnapshot().MaxDelay() / 2
	if interval < q.cfg.HealthCheckMinInterval {
		interval = q.cfg.HealthCheckMinInterval
	}
	if interval > q.cfg.HealthCheckMaxInterval {
		interval = q.cfg.HealthCheckMaxInterval
	}
	return interval
}

func (q *CampaignQueue) healthCheck() {
	q.mu.Lock()
	if !q.running || q.paused {
		q.mu.Unlock()
		return
	}
	pending := len(q.tasks)
	inFlight := len(q.inFlight)
	idle := time.Since(q.lastActivity)
	maxDelay := q.rate.MaxDelay()
	q.mu.Unlock()

	if pending == 0 && inFlight == 0 {
		return
	}

	if maxDelay <= 0 {
		maxDelay = time.Second
	}

	switch {
	case idle >= time.Duration(q.cfg.RestartMultiplier)*maxDelay &&
		inFlight == 0 && atomic.LoadInt32(&q.consumers) == 0:
		log.Printf("[CampaignQueue %s] Health: restarting consumer (idle=%s)", shortID(q.campaignID), idle)
		q.writer.AddLog(q.campaignID, mailing.LogWarn, "health check restarted consumer")
		q.startConsumer()

	case idle >= time.Duration(q.cfg.ForceMultiplier)*maxDelay:
		log.Printf("[CampaignQueue %s] Health: force progress (idle=%s)", shortID(q.campaignID), idle)
		q.Refresh()
		q.ForceProgress()

	case idle >= time.Duration(q.cfg.RefreshMultiplier)*maxDelay:
		log.Printf("[CampaignQueue %s] Health: refresh (idle=%s)", shortID(q.campaignID), idle)
		q.Refresh()
	}
}

// Refresh clears stuck in-memory in-flight markers. The persisted claim rows
// stay untouched: deleting them could permit a duplicate delivery, and the
// refresh tier is defined as lossless.
func (q *CampaignQueue) Refresh() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if atomic.LoadInt32(&q.consumers) > 0 && len(q.inFlight) > 0 {
		// A live consumer owns these markers; leave them alone.
		q.lastRefresh = time.Now()
		return
	}
	if len(q.inFlight) > 0 {
		log.Printf("[CampaignQueue %s] Refresh: clearing %d stuck in-flight markers",
			shortID(q.campaignID), len(q.inFlight))
		q.inFlight = make(map[uuid.UUID]struct{})
	}
	q.lastRefresh = time.Now()
}

// ForceProgress resets the last-send timestamp so the next task bypasses the
// rate-limit wait: the escape valve for a single stuck wait.
func (q *CampaignQueue) ForceProgress() {
	q.mu.Lock()
	q.lastSendAt = time.Time{}
	q.mu.Unlock()
	q.wake()
}

// =============================================================================
// Introspection
// =============================================================================

func (q *CampaignQueue) inFlightIDsLocked() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(q.inFlight))
	for id := range q.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (q *CampaignQueue) releaseClaims(ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.store.ReleaseClaims(ctx, ids); err != nil {
		log.Printf("[CampaignQueue %s] Error releasing %d claims: %v", shortID(q.campaignID), len(ids), err)
	}
}

// Running reports whether the queue loops are active.
func (q *CampaignQueue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// GetStats returns a snapshot of the queue state.
func (q *CampaignQueue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		CampaignID:   q.campaignID,
		Pending:      len(q.tasks),
		InFlight:     len(q.inFlight),
		Sent:         atomic.LoadInt64(&q.sentCount),
		Failed:       atomic.LoadInt64(&q.failCount),
		Skipped:      atomic.LoadInt64(&q.skipCount),
		Running:      q.running,
		Paused:       q.paused,
		Consumers:    atomic.LoadInt32(&q.consumers),
		LastSendAt:   q.lastSendAt,
		LastActivity: q.lastActivity,
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
