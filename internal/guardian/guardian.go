// Package guardian schedules runtime health monitors and their repairs.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/broadcast"
	"remedy-engine/internal/config"
	"remedy-engine/internal/telemetry"
)

// maxTickTimeout caps how long one check or repair may run.
const maxTickTimeout = 30 * time.Second

var (
	ErrIntervalTooShort = errors.New("monitor interval below minimum")
	ErrUnknownMonitor   = errors.New("unknown monitor")
	ErrDuplicateMonitor = errors.New("monitor already registered")
	ErrNoRepair         = errors.New("monitor has no automatic repair")
)

// Result is what one check observed.
type Result struct {
	Healthy bool           `json:"healthy"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Fault   string         `json:"fault,omitempty"`
}

// Monitor is one health check with its repair. Repair is called only with
// unhealthy results from Check.
type Monitor interface {
	Name() string
	Check(ctx context.Context) Result
	Repair(ctx context.Context, res Result) error
}

// Status is the cached state of one monitor.
type Status struct {
	Name            string    `json:"name"`
	IntervalMs      int64     `json:"interval_ms"`
	LastChecked     time.Time `json:"last_checked,omitempty"`
	LastResult      *Result   `json:"last_result,omitempty"`
	Ticks           int       `json:"ticks"`
	Repairs         int       `json:"repairs"`
	RepairsSkipped  int       `json:"repairs_skipped"`
	Faults          int       `json:"faults"`
	LastRepairError string    `json:"last_repair_error,omitempty"`
}

// RegisterOptions tune one monitor.
type RegisterOptions struct {
	// MaxRepairsPerHour bounds repairs with a token bucket. Zero is unlimited.
	MaxRepairsPerHour int
}

type entry struct {
	monitor  Monitor
	interval time.Duration
	limiter  *rate.Limiter
	reset    chan time.Duration
	runMu    sync.Mutex // one tick at a time per monitor
	status   Status     // guarded by Guardian.mu
}

// Guardian runs every registered monitor on its own ticker.
type Guardian struct {
	minInterval time.Duration
	sink        audit.Sink
	publisher   broadcast.Publisher
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	mu       sync.Mutex
	monitors map[string]*entry
	order    []string
	running  bool
	done     chan struct{}
	// wg tracks the loops of the current Start generation. Each Start gets a
	// fresh one so a Stop still draining never waits on loops it did not
	// cancel.
	wg *sync.WaitGroup
}

// Option configures a Guardian.
type Option func(*Guardian)

func WithAudit(s audit.Sink) Option              { return func(g *Guardian) { g.sink = s } }
func WithPublisher(p broadcast.Publisher) Option { return func(g *Guardian) { g.publisher = p } }
func WithMetrics(m *telemetry.Metrics) Option    { return func(g *Guardian) { g.metrics = m } }
func WithTracer(t *telemetry.Tracer) Option      { return func(g *Guardian) { g.tracer = t } }

// New creates a Guardian. minInterval is the floor enforced by SetInterval.
func New(minInterval time.Duration, opts ...Option) *Guardian {
	if minInterval <= 0 {
		minInterval = config.MinMonitorInterval
	}
	g := &Guardian{
		minInterval: minInterval,
		sink:        audit.Nop{},
		publisher:   broadcast.Nop{},
		monitors:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a monitor. Monitors registered while the guardian runs are
// scheduled immediately.
func (g *Guardian) Register(m Monitor, interval time.Duration, opts RegisterOptions) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrIntervalTooShort, interval)
	}
	e := &entry{
		monitor:  m,
		interval: interval,
		reset:    make(chan time.Duration, 1),
		status:   Status{Name: m.Name(), IntervalMs: interval.Milliseconds()},
	}
	if opts.MaxRepairsPerHour > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(opts.MaxRepairsPerHour)), opts.MaxRepairsPerHour)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.monitors[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMonitor, m.Name())
	}
	g.monitors[m.Name()] = e
	g.order = append(g.order, m.Name())
	if g.running {
		g.launch(e, g.done, g.wg)
	}
	return nil
}

// Start schedules every monitor. Each runs once immediately and then on
// its interval. Starting a running guardian is a no-op. A Start that races
// a Stop still draining waits for the old loops to exit first.
func (g *Guardian) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.running && g.wg != nil {
		prev := g.wg
		g.mu.Unlock()
		prev.Wait()
		g.mu.Lock()
		if g.wg == prev {
			break
		}
	}
	if g.running {
		return
	}
	g.running = true
	g.done = make(chan struct{})
	g.wg = &sync.WaitGroup{}
	for _, name := range g.order {
		e := g.monitors[name]
		e.status = Status{Name: name, IntervalMs: e.interval.Milliseconds()}
		g.launch(e, g.done, g.wg)
	}
	log.Info().Int("monitors", len(g.order)).Msg("guardian started")
}

// Stop cancels every monitor and waits for in-flight ticks to finish. No
// scheduled check runs after Stop returns.
func (g *Guardian) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.done)
	wg := g.wg
	g.mu.Unlock()

	wg.Wait()
	log.Info().Msg("guardian stopped")
}

// Running reports whether the scheduler is active.
func (g *Guardian) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// launch must be called with g.mu held.
func (g *Guardian) launch(e *entry, done chan struct{}, wg *sync.WaitGroup) {
	interval := e.interval
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.loop(e, interval, done)
	}()
}

func (g *Guardian) loop(e *entry, interval time.Duration, done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.tick(ctx, e, done)
	for {
		select {
		case <-done:
			return
		case d := <-e.reset:
			ticker.Reset(d)
		case <-ticker.C:
			g.tick(ctx, e, done)
		}
	}
}

// Statuses returns every monitor's status in registration order.
func (g *Guardian) Statuses() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Status, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.monitors[name].status.copy())
	}
	return out
}

// Status returns one monitor's status.
func (g *Guardian) Status(name string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.monitors[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownMonitor, name)
	}
	return e.status.copy(), nil
}

// RunNow runs one tick of the named monitor synchronously.
func (g *Guardian) RunNow(ctx context.Context, name string) (Result, error) {
	g.mu.Lock()
	e, ok := g.monitors[name]
	g.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownMonitor, name)
	}
	return g.tick(ctx, e, nil), nil
}

// SetInterval changes a monitor's interval. Intervals below the guardian
// minimum are rejected; a running monitor picks up the change at once.
func (g *Guardian) SetInterval(name string, d time.Duration) error {
	if d < g.minInterval {
		return fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, d, g.minInterval)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.monitors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMonitor, name)
	}
	e.interval = d
	e.status.IntervalMs = d.Milliseconds()
	select {
	case <-e.reset:
	default:
	}
	e.reset <- d

	g.sink.Append(audit.NewRecord(audit.PhaseAdmin, "set_interval", map[string]any{
		"monitor":     name,
		"interval_ms": d.Milliseconds(),
	}))
	log.Info().Str("monitor", name).Dur("interval", d).Msg("monitor interval changed")
	return nil
}

// MinInterval returns the floor enforced by SetInterval.
func (g *Guardian) MinInterval() time.Duration { return g.minInterval }

// tick runs check and, when unhealthy, repair. Panics in either are
// recovered here. A nil done means an on-demand run.
func (g *Guardian) tick(ctx context.Context, e *entry, done chan struct{}) Result {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if done != nil {
		select {
		case <-done:
			return Result{}
		default:
		}
	}

	name := e.monitor.Name()
	logger := log.With().Str("monitor", name).Logger()

	g.mu.Lock()
	timeout := min(e.interval, maxTickTimeout)
	g.mu.Unlock()

	ctx, span := g.tracer.StartSpan(ctx, "monitor", telemetry.AttrMonitor.String(name))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := g.check(ctx, e)
	g.metrics.RecordTick(name, res.Healthy)
	if res.Fault != "" {
		g.metrics.RecordFault(name)
	}

	g.mu.Lock()
	e.status.LastChecked = time.Now().UTC()
	r := res
	e.status.LastResult = &r
	e.status.Ticks++
	if res.Fault != "" {
		e.status.Faults++
	}
	g.mu.Unlock()

	if res.Healthy || res.Fault != "" {
		logger.Debug().Bool("healthy", res.Healthy).Str("message", res.Message).Msg("monitor tick")
		return res
	}

	if e.limiter != nil && !e.limiter.Allow() {
		g.mu.Lock()
		e.status.RepairsSkipped++
		g.mu.Unlock()
		logger.Warn().Str("message", res.Message).Msg("repair budget exhausted, skipping repair")
		return res
	}

	err := g.repair(ctx, e, res)
	g.metrics.RecordRepair(name)

	g.mu.Lock()
	e.status.Repairs++
	e.status.LastRepairError = ""
	if err != nil {
		e.status.LastRepairError = err.Error()
	}
	g.mu.Unlock()

	details := map[string]any{"monitor": name, "message": res.Message, "success": err == nil}
	if err != nil {
		details["error"] = err.Error()
	}
	g.sink.Append(audit.NewRecord(audit.PhaseGuardian, "repair", details))

	switch {
	case err == nil:
		logger.Info().Str("message", res.Message).Msg("monitor repaired")
		g.publisher.Publish(broadcast.EventMonitorRepaired, map[string]any{
			"monitor": name,
			"message": res.Message,
		})
	case errors.Is(err, ErrNoRepair):
		logger.Warn().Str("message", res.Message).Msg("monitor unhealthy, no automatic repair")
	default:
		logger.Error().Err(err).Str("message", res.Message).Msg("monitor repair failed")
	}
	return res
}

func (g *Guardian) check(ctx context.Context, e *entry) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("monitor", e.monitor.Name()).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("monitor check panicked")
			res = Result{Healthy: false, Message: "check panicked", Fault: fmt.Sprint(p)}
		}
	}()
	return e.monitor.Check(ctx)
}

func (g *Guardian) repair(ctx context.Context, e *entry, res Result) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("monitor", e.monitor.Name()).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("monitor repair panicked")
			g.metrics.RecordFault(e.monitor.Name())
			err = fmt.Errorf("repair panicked: %v", p)
		}
	}()
	return e.monitor.Repair(ctx, res)
}

func (s Status) copy() Status {
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}
