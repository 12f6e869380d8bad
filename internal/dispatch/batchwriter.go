package dispatch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/mailing"
)

// FlushStore is the slice of the persistent store the batch writer needs:
// one transactional application of a buffered batch.
type FlushStore interface {
	FlushBatch(ctx context.Context, records []mailing.SentEmail, logs []mailing.SendLog, deltas map[uuid.UUID]mailing.CounterDelta) error
}

// BatchWriter accumulates sent-email records, log lines, and per-campaign
// counter deltas, and flushes them in one transaction when the combined
// buffer reaches a size threshold or a timeout elapses. Counter deltas to
// the same campaign coalesce into a single update.
//
// On a flush failure the buffers are dropped rather than retried: a small
// risk of lost telemetry is traded for guaranteed forward progress.
type BatchWriter struct {
	store     FlushStore
	threshold int
	interval  time.Duration

	mu      sync.Mutex
	records []mailing.SentEmail
	logs    []mailing.SendLog
	deltas  map[uuid.UUID]mailing.CounterDelta

	totalFlushes int64
	totalWritten int64
	totalDropped int64

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewBatchWriter creates a batch writer. threshold is the combined buffer
// size that triggers an early flush; interval is the time-based trigger.
func NewBatchWriter(store FlushStore, threshold int, interval time.Duration) *BatchWriter {
	if threshold <= 0 {
		threshold = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &BatchWriter{
		store:     store,
		threshold: threshold,
		interval:  interval,
		deltas:    make(map[uuid.UUID]mailing.CounterDelta),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush loop. Idempotent.
func (w *BatchWriter) Start() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	log.Printf("[BatchWriter] Starting (threshold=%d, interval=%s)", w.threshold, w.interval)

	w.wg.Add(1)
	go w.run()
}

// Stop flushes remaining buffers and stops the loop.
func (w *BatchWriter) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.runMu.Unlock()

	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.ForceFlush(ctx); err != nil {
		log.Printf("[BatchWriter] Final flush error: %v", err)
	}
	log.Printf("[BatchWriter] Stopped (flushes=%d, written=%d, dropped=%d)",
		atomic.LoadInt64(&w.totalFlushes),
		atomic.LoadInt64(&w.totalWritten),
		atomic.LoadInt64(&w.totalDropped))
}

func (w *BatchWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		}
	}
}

// AddSentEmail buffers a sent-email record for the non-preoccupied path
// (no prior claim row exists for this task).
func (w *BatchWriter) AddSentEmail(rec mailing.SentEmail) {
	w.mu.Lock()
	w.records = append(w.records, rec)
	n := w.bufferedLocked()
	w.mu.Unlock()
	w.maybeSignal(n)
}

// AddLog buffers a campaign log line.
func (w *BatchWriter) AddLog(campaignID uuid.UUID, level, message string) {
	w.mu.Lock()
	w.logs = append(w.logs, mailing.SendLog{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Level:      level,
		Message:    message,
		CreatedAt:  time.Now(),
	})
	n := w.bufferedLocked()
	w.mu.Unlock()
	w.maybeSignal(n)
}

// AddStatsUpdate buffers a counter increment for a campaign. Repeated deltas
// for the same campaign merge into one pending update.
func (w *BatchWriter) AddStatsUpdate(campaignID uuid.UUID, sent, failed int) {
	w.mu.Lock()
	d := w.deltas[campaignID]
	d.Sent += sent
	d.Failed += failed
	w.deltas[campaignID] = d
	n := w.bufferedLocked()
	w.mu.Unlock()
	w.maybeSignal(n)
}

func (w *BatchWriter) bufferedLocked() int {
	return len(w.records) + len(w.logs) + len(w.deltas)
}

// Buffered returns the combined buffer size.
func (w *BatchWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bufferedLocked()
}

func (w *BatchWriter) maybeSignal(buffered int) {
	if buffered < w.threshold {
		return
	}
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// ForceFlush synchronously flushes the current buffers. Code paths that need
// exact persisted counts (completion detection, health recompute) call this
// before reading.
func (w *BatchWriter) ForceFlush(ctx context.Context) error {
	records, logs, deltas := w.take()
	if len(records) == 0 && len(logs) == 0 && len(deltas) == 0 {
		return nil
	}
	return w.apply(ctx, records, logs, deltas)
}

func (w *BatchWriter) flush() {
	records, logs, deltas := w.take()
	if len(records) == 0 && len(logs) == 0 && len(deltas) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.apply(ctx, records, logs, deltas); err != nil {
		log.Printf("[BatchWriter] Flush error (batch dropped): %v", err)
	}
}

func (w *BatchWriter) take() ([]mailing.SentEmail, []mailing.SendLog, map[uuid.UUID]mailing.CounterDelta) {
	w.mu.Lock()
	defer w.mu.Unlock()
	records, logs, deltas := w.records, w.logs, w.deltas
	w.records = nil
	w.logs = nil
	w.deltas = make(map[uuid.UUID]mailing.CounterDelta)
	return records, logs, deltas
}

func (w *BatchWriter) apply(ctx context.Context, records []mailing.SentEmail, logs []mailing.SendLog, deltas map[uuid.UUID]mailing.CounterDelta) error {
	size := len(records) + len(logs) + len(deltas)
	atomic.AddInt64(&w.totalFlushes, 1)

	if err := w.store.FlushBatch(ctx, records, logs, deltas); err != nil {
		// Dropping the batch is deliberate: endless retries would stall every
		// campaign behind a broken store connection.
		atomic.AddInt64(&w.totalDropped, int64(size))
		return err
	}

	atomic.AddInt64(&w.totalWritten, int64(size))
	return nil
}

// Stats returns cumulative writer statistics.
func (w *BatchWriter) Stats() map[string]int64 {
	return map[string]int64{
		"flushes":  atomic.LoadInt64(&w.totalFlushes),
		"written":  atomic.LoadInt64(&w.totalWritten),
		"dropped":  atomic.LoadInt64(&w.totalDropped),
		"buffered": int64(w.Buffered()),
	}
}
