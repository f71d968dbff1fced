// Package coordinator runs selected handlers either concurrently under a
// bounded pool with a batch deadline, or in dependency order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

var (
	ErrTimeout            = errors.New("timed out")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrDependencyDeadlock = errors.New("dependency deadlock")
	ErrHandlerPanic       = errors.New("handler panicked")
)

// Unit is one handler invocation.
type Unit struct {
	Handler   string
	Request   string
	DependsOn []string
}

// Result is the outcome of one unit.
type Result struct {
	Handler string
	Output  string
	Err     error
	Elapsed time.Duration
}

// BatchResult aggregates a batch. Every submitted unit ends up in exactly one
// of Results or Errors.
type BatchResult struct {
	Results map[string]string
	Errors  map[string]error
	Timings map[string]time.Duration
	// Order lists unit handler names as submitted.
	Order    []string
	Duration time.Duration
	Failed   int
}

func newBatch(units []Unit) *BatchResult {
	b := &BatchResult{
		Results: make(map[string]string, len(units)),
		Errors:  make(map[string]error),
		Timings: make(map[string]time.Duration, len(units)),
		Order:   make([]string, 0, len(units)),
	}
	for _, u := range units {
		b.Order = append(b.Order, u.Handler)
	}
	return b
}

func (b *BatchResult) record(r Result) {
	b.Timings[r.Handler] = r.Elapsed
	if r.Err != nil {
		b.fail(r.Handler, r.Err)
		return
	}
	b.Results[r.Handler] = r.Output
}

func (b *BatchResult) fail(name string, err error) {
	if _, ok := b.Errors[name]; ok {
		return
	}
	b.Errors[name] = err
	b.Failed++
}

// Succeeded returns the number of units with an output.
func (b BatchResult) Succeeded() int {
	return len(b.Results)
}

// Err combines every unit error in submission order, or nil.
func (b BatchResult) Err() error {
	var err error
	for _, name := range b.Order {
		if e, ok := b.Errors[name]; ok {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, e))
		}
	}
	return err
}

// Outputs returns successful outputs in submission order.
func (b BatchResult) Outputs() []Result {
	out := make([]Result, 0, len(b.Results))
	for _, name := range b.Order {
		if o, ok := b.Results[name]; ok {
			out = append(out, Result{Handler: name, Output: o, Elapsed: b.Timings[name]})
		}
	}
	return out
}

// Options bound execution.
type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{MaxConcurrent: 3, Timeout: 8 * time.Second}
}

// Coordinator executes units against a handler registry.
type Coordinator struct {
	reg  *handlers.Registry
	opts Options
}

// New creates a coordinator.
func New(reg *handlers.Registry, opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Coordinator{reg: reg, opts: opts}
}

// WithOptions returns a coordinator sharing the registry with other bounds.
func (c *Coordinator) WithOptions(opts Options) *Coordinator {
	return New(c.reg, opts)
}

// dedupe keeps the first unit per handler name.
func dedupe(units []Unit) []Unit {
	seen := make(map[string]bool, len(units))
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if seen[u.Handler] {
			slog.Warn("duplicate unit dropped", "handler", u.Handler)
			continue
		}
		seen[u.Handler] = true
		out = append(out, u)
	}
	return out
}

// validate resolves a unit to its handler. Unknown and unpermitted units are
// rejected before anything runs.
func (c *Coordinator) validate(u Unit, sc handlers.SessionContext) (handlers.Handler, error) {
	_, h, err := c.reg.Authorize(u.Handler, sc)
	if err != nil {
		metrics.HandlerExecutions.WithLabelValues(u.Handler, "rejected").Inc()
		return nil, err
	}
	return h, nil
}

// RunConcurrent executes units with at most MaxConcurrent running at once.
// One unit failing never cancels its siblings. Units still running when the
// batch deadline passes are reported as ErrTimeout; they are not forcibly
// stopped.
func (c *Coordinator) RunConcurrent(ctx context.Context, sc handlers.SessionContext, units []Unit) BatchResult {
	start := time.Now()
	units = dedupe(units)
	batch := newBatch(units)
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	sem := semaphore.NewWeighted(int64(c.opts.MaxConcurrent))
	results := make(chan Result, len(units))
	pending := make(map[string]bool, len(units))

	for _, u := range units {
		h, err := c.validate(u, sc)
		if err != nil {
			batch.fail(u.Handler, err)
			continue
		}
		pending[u.Handler] = true
		go func(u Unit, h handlers.Handler) {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- Result{Handler: u.Handler, Err: err}
				return
			}
			defer sem.Release(1)
			results <- invoke(ctx, h, u, sc)
		}(u, h)
	}

	c.collect(ctx, batch, pending, results)
	batch.Duration = time.Since(start)
	return *batch
}

func (c *Coordinator) collect(ctx context.Context, batch *BatchResult, pending map[string]bool, results <-chan Result) {
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.Handler)
			if errors.Is(r.Err, context.DeadlineExceeded) {
				r.Err = c.timeoutErr()
			}
			observe(r)
			batch.record(r)
		case <-ctx.Done():
			c.drain(batch, pending, results, ctx.Err())
			return
		}
	}
}

// drain takes results that raced the deadline, then marks the rest timed out
// or, when the caller cancelled, with the cancellation cause.
func (c *Coordinator) drain(batch *BatchResult, pending map[string]bool, results <-chan Result, cause error) {
	for {
		select {
		case r := <-results:
			if !isContextErr(r.Err) {
				delete(pending, r.Handler)
				observe(r)
				batch.record(r)
			}
			continue
		default:
		}
		break
	}
	if len(pending) == 0 {
		return
	}
	unfinished := c.timeoutErr()
	if errors.Is(cause, context.Canceled) {
		unfinished = cause
	} else {
		metrics.BatchTimeouts.Inc()
	}
	for _, name := range batch.Order {
		if !pending[name] {
			continue
		}
		delete(pending, name)
		metrics.HandlerExecutions.WithLabelValues(name, "timeout").Inc()
		batch.fail(name, unfinished)
	}
	slog.Warn("batch deadline reached", "timeout", c.opts.Timeout, "failed", batch.Failed)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (c *Coordinator) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrTimeout, c.opts.Timeout)
}

// RunSequential executes each unit once all of its dependencies have
// succeeded, in repeated passes over the remaining units. A unit whose
// dependency failed or was never submitted is reported as ErrDependencyFailed;
// units left when a pass makes no progress are reported as
// ErrDependencyDeadlock. Dependent requests carry their dependencies' outputs.
func (c *Coordinator) RunSequential(ctx context.Context, sc handlers.SessionContext, units []Unit) BatchResult {
	start := time.Now()
	units = dedupe(units)
	batch := newBatch(units)
	submitted := make(map[string]bool, len(units))
	for _, u := range units {
		submitted[u.Handler] = true
	}

	type job struct {
		unit    Unit
		handler handlers.Handler
	}
	var remaining []job
	for _, u := range units {
		h, err := c.validate(u, sc)
		if err != nil {
			batch.fail(u.Handler, err)
			continue
		}
		remaining = append(remaining, job{unit: u, handler: h})
	}

	for len(remaining) > 0 {
		progress := false
		next := remaining[:0]
		for _, j := range remaining {
			if dep, bad := failedDependency(j.unit, batch, submitted); bad {
				batch.fail(j.unit.Handler, fmt.Errorf("%w: %s", ErrDependencyFailed, dep))
				metrics.HandlerExecutions.WithLabelValues(j.unit.Handler, "skipped").Inc()
				progress = true
				continue
			}
			if !dependenciesMet(j.unit, batch) {
				next = append(next, j)
				continue
			}
			progress = true
			if err := ctx.Err(); err != nil {
				batch.fail(j.unit.Handler, err)
				continue
			}
			u := j.unit
			u.Request = enrich(u, batch)
			r := c.runTimed(ctx, j.handler, u, sc)
			observe(r)
			batch.record(r)
		}
		remaining = next
		if progress {
			continue
		}
		for _, j := range remaining {
			batch.fail(j.unit.Handler, fmt.Errorf("%w: %s waits on %s", ErrDependencyDeadlock, j.unit.Handler, strings.Join(j.unit.DependsOn, ",")))
		}
		slog.Warn("dependency deadlock", "units", len(remaining))
		break
	}

	batch.Duration = time.Since(start)
	return *batch
}

// runTimed bounds one unit by the configured timeout without relying on the
// handler to honour its context.
func (c *Coordinator) runTimed(ctx context.Context, h handlers.Handler, u Unit, sc handlers.SessionContext) Result {
	if c.opts.Timeout <= 0 {
		return invoke(ctx, h, u, sc)
	}
	uctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- invoke(uctx, h, u, sc) }()
	select {
	case r := <-done:
		if errors.Is(r.Err, context.DeadlineExceeded) {
			r.Err = c.timeoutErr()
		}
		return r
	case <-uctx.Done():
		if ctx.Err() != nil {
			return Result{Handler: u.Handler, Err: ctx.Err()}
		}
		return Result{Handler: u.Handler, Err: c.timeoutErr(), Elapsed: c.opts.Timeout}
	}
}

func failedDependency(u Unit, batch *BatchResult, submitted map[string]bool) (string, bool) {
	for _, dep := range u.DependsOn {
		if !submitted[dep] {
			return dep + " (not scheduled)", true
		}
		if _, failed := batch.Errors[dep]; failed {
			return dep, true
		}
	}
	return "", false
}

func dependenciesMet(u Unit, batch *BatchResult) bool {
	for _, dep := range u.DependsOn {
		if _, ok := batch.Results[dep]; !ok {
			return false
		}
	}
	return true
}

func enrich(u Unit, batch *BatchResult) string {
	if len(u.DependsOn) == 0 {
		return u.Request
	}
	var b strings.Builder
	b.WriteString(u.Request)
	for _, dep := range u.DependsOn {
		fmt.Fprintf(&b, "\n\n[%s]\n%s", dep, batch.Results[dep])
	}
	return b.String()
}

func invoke(ctx context.Context, h handlers.Handler, u Unit, sc handlers.SessionContext) (r Result) {
	start := time.Now()
	r.Handler = u.Handler
	defer func() {
		r.Elapsed = time.Since(start)
		if p := recover(); p != nil {
			slog.Error("handler panic", "handler", u.Handler, "panic", p)
			r.Output = ""
			r.Err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	r.Output, r.Err = h.Execute(ctx, u.Request, sc)
	return r
}

func observe(r Result) {
	status := "ok"
	if r.Err != nil {
		status = "error"
		if errors.Is(r.Err, ErrTimeout) {
			status = "timeout"
		}
	}
	metrics.HandlerExecutions.WithLabelValues(r.Handler, status).Inc()
	metrics.HandlerDuration.WithLabelValues(r.Handler).Observe(r.Elapsed.Seconds())
}
