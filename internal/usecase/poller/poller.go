// Package poller issues configured gateway calls on a recurring schedule.
//
// Each entry names a method, its params, and a schedule that is either a
// cron expression or a plain duration. Ticks that arrive while the
// connection is down are skipped, not queued: polls are snapshots, and a
// stale snapshot is worse than none. A shared limiter caps the aggregate
// call rate across all entries.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"clawdeck/internal/infra/tracer"
)

// Caller is the slice of the gateway client the poller needs.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	IsConnected() bool
}

// Entry is one recurring poll.
type Entry struct {
	Name     string
	Method   string
	Params   json.RawMessage
	Schedule string // cron expression "*/5 * * * *" OR duration "30s"
}

// Result is the outcome of a single poll tick, delivered to the sink.
type Result struct {
	Name     string
	Method   string
	Payload  json.RawMessage
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Sink receives poll results. Called on the cron goroutine; keep it fast.
type Sink func(Result)

const tickTimeout = time.Minute

// Poller schedules recurring gateway calls.
type Poller struct {
	cron    *cron.Cron
	caller  Caller
	limiter *rate.Limiter
	sink    Sink
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a poller. ratePerMinute and burst bound the aggregate call
// rate across every entry; zero or negative values fall back to 60/10.
func New(caller Caller, sink Sink, ratePerMinute, burst int, logger *slog.Logger) *Poller {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	if sink == nil {
		sink = func(Result) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cron:    cron.New(),
		caller:  caller,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst),
		sink:    sink,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a poll entry. The schedule can be a cron expression or a
// duration string.
func (p *Poller) Add(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("poller: entry has no name")
	}
	if e.Method == "" {
		return fmt.Errorf("poller: entry %q has no method", e.Name)
	}

	schedule, err := parseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("poller: invalid schedule %q for entry %q: %w", e.Schedule, e.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[e.Name]; exists {
		return fmt.Errorf("poller: entry %q already exists", e.Name)
	}

	entry := e
	id := p.cron.Schedule(schedule, cron.FuncJob(func() {
		p.tick(entry)
	}))
	p.entries[e.Name] = id

	p.logger.Info("poll entry added", "name", e.Name, "method", e.Method, "schedule", e.Schedule)
	return nil
}

// Remove drops a poll entry by name.
func (p *Poller) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.entries[name]
	if !ok {
		return fmt.Errorf("poller: entry %q not found", name)
	}
	p.cron.Remove(id)
	delete(p.entries, name)
	p.logger.Info("poll entry removed", "name", name)
	return nil
}

// tick runs one poll. Skipped ticks (disconnected, rate-limited) never
// reach the sink.
func (p *Poller) tick(e Entry) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	if ctx == nil {
		p.logger.Debug("poller stopped, skipping tick", "name", e.Name)
		return
	}
	if !p.caller.IsConnected() {
		p.logger.Debug("gateway not ready, skipping poll", "name", e.Name)
		return
	}
	if !p.limiter.Allow() {
		p.logger.Warn("poll rate limit hit, skipping tick", "name", e.Name)
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	tickCtx, span := tracer.StartSpan(tickCtx, "poller.tick",
		trace.WithAttributes(
			tracer.StringAttr("poll.name", e.Name),
			tracer.StringAttr("rpc.method", e.Method),
		),
	)
	defer span.End()

	started := time.Now()
	payload, err := p.caller.Call(tickCtx, e.Method, e.Params)
	res := Result{
		Name:     e.Name,
		Method:   e.Method,
		Payload:  payload,
		Err:      err,
		Started:  started,
		Duration: time.Since(started),
	}

	if err != nil {
		tracer.RecordError(span, err)
		p.logger.Warn("poll failed", "name", e.Name, "method", e.Method, "error", err, "duration", res.Duration)
	} else {
		tracer.SetOK(span)
		p.logger.Debug("poll completed", "name", e.Name, "method", e.Method, "duration", res.Duration)
	}

	p.sink(res)
}

// RunOnce executes an entry immediately, bypassing its schedule but not
// the connection check or the rate limiter.
func (p *Poller) RunOnce(e Entry) {
	p.tick(e)
}

// Start begins running the schedules.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron.Start()
	p.started = true
}

// Stop halts the schedules and waits for in-flight ticks to finish.
func (p *Poller) Stop() {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.ctx = nil
	p.started = false
	p.mu.Unlock()

	<-p.cron.Stop().Done()
}

// parseSchedule tries a cron expression first, then falls back to a
// duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
