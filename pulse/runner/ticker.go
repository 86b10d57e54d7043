package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/rule"
)

// cronParser accepts standard five-field expressions and descriptors
// such as @daily or @every 1h.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a cron expression for the ticker.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), errors.ErrInvalidRequest)
	}
	return s, nil
}

// TickerConfig contains configuration for the scheduler loop.
type TickerConfig struct {
	// Interval between live runs (default 1 minute). Ignored when Cron is set.
	Interval time.Duration
	// Cron, when set, fires runs on a cron schedule instead of an interval
	Cron string
	// Now supplies the run time (default time.Now)
	Now func() time.Time
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: time.Minute}
}

// Ticker calls Runner.RunDue in live mode on every tick.
type Ticker struct {
	runner   *Runner
	interval time.Duration
	schedule cron.Schedule
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
	ticks      int64
	lastCounts map[rule.Outcome]int
}

// NewTicker creates a scheduler loop around runner.
func NewTicker(runner *Runner, cfg TickerConfig, log *zap.SugaredLogger) (*Ticker, error) {
	return NewTickerWithContext(context.Background(), runner, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, runner *Runner, cfg TickerConfig, log *zap.SugaredLogger) (*Ticker, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}

	t := &Ticker{
		runner:   runner,
		interval: cfg.Interval,
		now:      cfg.Now,
		pulseLog: logger.AddPulseSymbol(log),
	}
	if cfg.Cron != "" {
		s, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, err
		}
		t.schedule = s
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	return t, nil
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	if t.schedule != nil {
		t.pulseLog.Infow("Pulse ticker started", "next_fire", t.NextFire(t.now()).Format(time.RFC3339))
	} else {
		t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
	}
}

// Stop gracefully stops the ticker, waiting for an in-flight run.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// Done is closed once the ticker's context ends.
func (t *Ticker) Done() <-chan struct{} {
	return t.ctx.Done()
}

// NextFire returns when the ticker fires next after from.
func (t *Ticker) NextFire(from time.Time) time.Time {
	if t.schedule != nil {
		return t.schedule.Next(from)
	}
	return from.Add(t.interval)
}

// Stats reports the last tick time, ticks since start and the outcome
// counts of the last run.
func (t *Ticker) Stats() (time.Time, int64, map[rule.Outcome]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[rule.Outcome]int, len(t.lastCounts))
	for k, v := range t.lastCounts {
		counts[k] = v
	}
	return t.lastTickAt, t.ticks, counts
}

func (t *Ticker) run() {
	defer t.wg.Done()

	if t.schedule == nil {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.tick()
			}
		}
	}

	for {
		wait := time.Until(t.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	now := t.now()
	results, err := t.runner.RunDue(t.ctx, now, ModeLive)

	counts := make(map[rule.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}

	t.mu.Lock()
	t.lastTickAt = now
	t.ticks++
	tick := t.ticks
	t.lastCounts = counts
	t.mu.Unlock()

	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		// Don't spam logs - a broken store shows up on every tick
		t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
		return
	}
	if len(results) > 0 {
		t.pulseLog.Infow("Pulse tick",
			"tick", tick,
			"succeeded", counts[rule.OutcomeSuccess],
			"failed", counts[rule.OutcomeFailure],
			"skipped", counts[rule.OutcomeSkippedDuplicate],
		)
	}
}
