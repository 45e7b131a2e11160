// Package poller schedules the read side: one fixed-interval timer
// fanning out to independent pull channels, plus a slow bulk-refresh
// channel that can be force-triggered out of cycle.
//
// Channels never surface errors to the user. Failures log to the
// console, throttled to the first and every Nth so a long outage in a
// dead zone does not storm the log, and a failed pull leaves the prior
// snapshot untouched.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/fieldscout/synccore/internal/logging"
)

// Connectivity gates pull attempts.
type Connectivity interface {
	HasInternet() bool
}

// Authenticated reports whether a session exists. Satisfied by a
// closure over the credential lifecycle manager.
type Authenticated func() bool

// Recorder receives poll run summaries. May be nil.
type Recorder interface {
	RecordRun(kind, outcome, detail string) error
}

// Config holds orchestrator tunables.
type Config struct {
	Interval     time.Duration // fast cadence, default 60s
	BulkInterval time.Duration // bulk cadence, default 15m
	PullTimeout  time.Duration // per-pull deadline, default 30s
	LogEvery     int           // throttle: log first + every Nth failure
}

// Channel is one independently scheduled read pull. The pull function
// is responsible for swapping its result set atomically on success
// only.
type Channel struct {
	name     string
	pull     func(ctx context.Context) error
	mu       sync.Mutex
	busy     bool
	throttle *logging.Throttle
}

// NewChannel creates a channel.
func NewChannel(name string, logEvery int, pull func(ctx context.Context) error) *Channel {
	return &Channel{
		name:     name,
		pull:     pull,
		throttle: logging.NewThrottle(logEvery),
	}
}

// tryAcquire takes the channel's busy guard, reporting false if a
// previous pull is still running. A slow pull never overlaps the next
// tick's pull of the same channel.
func (c *Channel) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Channel) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Orchestrator drives all channels.
type Orchestrator struct {
	cfg      Config
	conn     Connectivity
	authed   Authenticated
	journal  Recorder
	channels []*Channel
	bulk     *Channel

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	forceCh chan struct{}
	wg      sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, conn Connectivity, authed Authenticated, journal Recorder) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BulkInterval <= 0 {
		cfg.BulkInterval = 15 * time.Minute
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 30 * time.Second
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	return &Orchestrator{
		cfg:     cfg,
		conn:    conn,
		authed:  authed,
		journal: journal,
		forceCh: make(chan struct{}, 1),
	}
}

// AddChannel registers a fast-cadence channel.
func (o *Orchestrator) AddChannel(ch *Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channels = append(o.channels, ch)
}

// SetBulkChannel registers the slow bulk-refresh channel.
func (o *Orchestrator) SetBulkChannel(ch *Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bulk = ch
}

// Start begins scheduling. The host calls this on foreground; the core
// itself has no notion of app lifecycle. Idempotent while running.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop(ctx, stopCh)
	logging.Info("poll orchestrator started",
		map[string]interface{}{"interval": o.cfg.Interval.String()})
}

// Stop halts scheduling. In-flight pulls are not aborted; they finish
// and swap (or not) as usual. Timers are recreated on the next Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	logging.Info("poll orchestrator stopped", nil)
}

// Running reports whether the scheduler is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// ForceBulkRefresh triggers the bulk channel out of cycle. Used when a
// fast channel notices a previously visible item disappeared, which
// signals an upstream promotion needing an immediate rebuild.
func (o *Orchestrator) ForceBulkRefresh() {
	select {
	case o.forceCh <- struct{}{}:
	default:
	}
}

// loop owns the tickers.
func (o *Orchestrator) loop(ctx context.Context, stopCh chan struct{}) {
	defer o.wg.Done()

	fast := time.NewTicker(o.cfg.Interval)
	defer fast.Stop()
	bulk := time.NewTicker(o.cfg.BulkInterval)
	defer bulk.Stop()

	// Prime once on start so the user is not staring at stale data for
	// a full interval after foregrounding.
	o.Tick(ctx)
	o.runBulk(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-fast.C:
			o.Tick(ctx)
		case <-bulk.C:
			o.runBulk(ctx)
		case <-o.forceCh:
			o.runBulk(ctx)
		}
	}
}

// Tick fans out one pull across all fast channels. Exported so hosts
// with their own scheduling can drive the orchestrator directly.
func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.gate() {
		return
	}
	o.mu.Lock()
	channels := append([]*Channel(nil), o.channels...)
	o.mu.Unlock()

	for _, ch := range channels {
		o.runChannel(ctx, ch)
	}
}

// runBulk runs the bulk channel if present.
func (o *Orchestrator) runBulk(ctx context.Context) {
	if !o.gate() {
		return
	}
	o.mu.Lock()
	ch := o.bulk
	o.mu.Unlock()
	if ch != nil {
		o.runChannel(ctx, ch)
	}
}

// gate checks session and connectivity before scheduling pulls.
func (o *Orchestrator) gate() bool {
	if o.authed != nil && !o.authed() {
		return false
	}
	if o.conn != nil && !o.conn.HasInternet() {
		return false
	}
	return true
}

// runChannel executes one channel pull on its own goroutine.
func (o *Orchestrator) runChannel(ctx context.Context, ch *Channel) {
	if !ch.tryAcquire() {
		logging.Debug("channel still busy, skipping tick",
			map[string]interface{}{"channel": ch.name})
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer ch.release()

		pullCtx, cancel := context.WithTimeout(ctx, o.cfg.PullTimeout)
		defer cancel()

		err := ch.pull(pullCtx)
		if err != nil {
			if ch.throttle.Failure() {
				logging.Warn("channel pull failed", map[string]interface{}{
					"channel": ch.name,
					"streak":  ch.throttle.Streak(),
					"error":   err.Error(),
				})
			}
			o.record(ch.name, "failed", err.Error())
			return
		}
		ch.throttle.Success()
		o.record(ch.name, "success", "")
	}()
}

// record journals a pull outcome.
func (o *Orchestrator) record(channel, outcome, detail string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordRun("poll:"+channel, outcome, detail); err != nil {
		logging.Error("failed to journal poll run", err, nil)
	}
}
