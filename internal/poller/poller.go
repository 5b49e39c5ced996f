package poller

// ============================================================================
// Polling Fallback Scheduler
// Responsibility: periodically pull REST snapshots so the view converges
// even when the push channel is down or silently missing events. Polling
// runs unconditionally; the push channel is an accelerator, not a
// dependency.
//
// Degradation: after 3 consecutive fetch failures the interval doubles,
// capped at twice the base, and resets on the first success. Overlapping
// fetches are never issued; a tick during an in-flight fetch is skipped.
// ============================================================================

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/umuve/livesync/internal/metrics"
)

const (
	// DefaultMapInterval refreshes the live map.
	DefaultMapInterval = 30 * time.Second

	// DefaultChatInterval refreshes chat while the channel is down.
	DefaultChatInterval = 5 * time.Second

	// failureThreshold is how many consecutive failures trigger backoff.
	failureThreshold = 3
)

// Fetch pulls one snapshot and hands it to the reconciler. It returns an
// error when the pull failed; application errors count as failures too.
type Fetch func(ctx context.Context) error

// Config describes one polling task.
type Config struct {
	// Name labels log lines and metrics ("map", "chat").
	Name string

	// Interval is the base cadence. Zero means DefaultMapInterval.
	Interval time.Duration

	// Fetch performs the pull.
	Fetch Fetch

	// Gate, when set, is consulted before each tick; a false return skips
	// the fetch without counting as a failure. The chat poller uses this
	// to pause while the push channel is healthy.
	Gate func() bool

	// OnDegraded, when set, is called when the poller enters or leaves
	// the backed-off state. The session uses it to flag the view stale.
	OnDegraded func(degraded bool)

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Poller runs one fetch task on a cadence.
type Poller struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	failures int
	degraded bool
	fetching bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a poller. Call Start to begin ticking.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMapInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:    cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop. The first fetch fires immediately so a
// freshly mounted screen does not wait a full interval for data.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the loop and waits for any in-flight fetch to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// TriggerNow requests an immediate fetch outside the cadence, used after
// a reconnect to re-baseline. Skipped if a fetch is already running.
func (p *Poller) TriggerNow(ctx context.Context) {
	p.fetchOnce(ctx)
}

// Degraded reports whether the poller has backed off after repeated
// failures.
func (p *Poller) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.fetchOnce(ctx)
	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if p.cfg.Gate == nil || p.cfg.Gate() {
				p.fetchOnce(ctx)
			}
			timer.Reset(p.currentInterval())
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fetchOnce runs a single fetch, enforcing the no-overlap rule.
func (p *Poller) fetchOnce(ctx context.Context) {
	p.mu.Lock()
	if p.fetching {
		p.mu.Unlock()
		p.logger.Debug("tick skipped, fetch in flight", "poller", p.cfg.Name)
		return
	}
	p.fetching = true
	p.mu.Unlock()

	err := p.cfg.Fetch(ctx)

	p.mu.Lock()
	p.fetching = false
	wasDegraded := p.degraded
	if err != nil {
		p.failures++
		p.degraded = p.failures >= failureThreshold
	} else {
		p.failures = 0
		p.degraded = false
	}
	degraded := p.degraded
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.cfg.Metrics.RecordPoll(outcome)
	}
	if err != nil {
		p.logger.Warn("poll failed", "poller", p.cfg.Name, "err", err)
	}
	if degraded != wasDegraded {
		if degraded {
			p.logger.Warn("poller degraded, backing off",
				"poller", p.cfg.Name, "interval", p.currentInterval())
		} else {
			p.logger.Info("poller recovered", "poller", p.cfg.Name)
		}
		if p.cfg.OnDegraded != nil {
			p.cfg.OnDegraded(degraded)
		}
	}
}

// currentInterval is the base cadence, doubled while degraded. The cap at
// twice the base keeps the view bounded-stale even through a bad stretch.
func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return 2 * p.cfg.Interval
	}
	return p.cfg.Interval
}
