package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const statsKeyPrefix = "dispatch:stats:"

// StatsPublisher periodically snapshots every registered queue into Redis so
// dashboards and other processes can observe dispatch progress without
// touching the primary database. Keys expire after a TTL, so a dead publisher
// leaves no stale numbers behind.
type StatsPublisher struct {
	registry *Registry
	writer   *BatchWriter
	rdb      *redis.Client
	interval time.Duration
	ttl      time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// NewStatsPublisher creates a publisher. rdb may not be nil; callers that run
// without Redis simply never construct one.
func NewStatsPublisher(registry *Registry, writer *BatchWriter, rdb *redis.Client, interval, ttl time.Duration) *StatsPublisher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &StatsPublisher{
		registry: registry,
		writer:   writer,
		rdb:      rdb,
		interval: interval,
		ttl:      ttl,
	}
}

// Start launches the publish loop.
func (p *StatsPublisher) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.publish()
			}
		}
	}()
	log.Printf("[StatsPublisher] Started (interval=%s, ttl=%s)", p.interval, p.ttl)
}

// Stop halts the publish loop.
func (p *StatsPublisher) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.runMu.Unlock()
	p.wg.Wait()
}

// engineSnapshot is the aggregate document published under
// dispatch:stats:engine.
type engineSnapshot struct {
	ActiveQueues int              `json:"active_queues"`
	Writer       map[string]int64 `json:"writer"`
	Queues       []QueueStats     `json:"queues"`
	PublishedAt  time.Time        `json:"published_at"`
}

func (p *StatsPublisher) publish() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats := p.registry.GetAllStats()

	pipe := p.rdb.Pipeline()
	for _, s := range stats {
		data, err := json.Marshal(s)
		if err != nil {
			continue
		}
		pipe.Set(ctx, statsKeyPrefix+s.CampaignID.String(), data, p.ttl)
	}

	snap := engineSnapshot{
		ActiveQueues: len(stats),
		Writer:       p.writer.Stats(),
		Queues:       stats,
		PublishedAt:  time.Now(),
	}
	if data, err := json.Marshal(snap); err == nil {
		pipe.Set(ctx, statsKeyPrefix+"engine", data, p.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[StatsPublisher] Publish error: %v", err)
	}
}
