package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

// Status is the last observed health of an upstream.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ErrNotReady is returned by Ready when a required upstream is not healthy.
var ErrNotReady = errors.New("upstream not ready")

// Info is the current state of one upstream.
type Info struct {
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Status    Status    `json:"status"`
	Required  bool      `json:"required"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Prober periodically probes every registered upstream.
type Prober struct {
	registry   *Registry
	httpClient *http.Client
	interval   time.Duration

	mu    sync.RWMutex
	state map[string]Info
}

// NewProber creates a prober. Probes time out after three seconds.
func NewProber(registry *Registry, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p := &Prober{
		registry:   registry,
		httpClient: &http.Client{Timeout: 3 * time.Second},
		interval:   interval,
		state:      make(map[string]Info),
	}
	for _, name := range registry.Names() {
		meta, _ := registry.Lookup(name)
		p.state[name] = Info{Name: name, Category: meta.Category, Required: meta.Required, Status: StatusUnknown}
	}
	return p
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every upstream concurrently and records the results.
func (p *Prober) ProbeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range p.registry.Names() {
		meta, _ := p.registry.Lookup(name)
		g.Go(func() error {
			p.record(name, meta, p.probe(gctx, meta))
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Prober) probe(ctx context.Context, meta Meta) error {
	if meta.HealthURL == "" {
		if meta.Check == nil {
			return nil
		}
		return meta.Check(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) record(name string, meta Meta, err error) {
	info := Info{
		Name:      name,
		Category:  meta.Category,
		Required:  meta.Required,
		Status:    StatusHealthy,
		CheckedAt: time.Now(),
	}
	up := 1.0
	if err != nil {
		info.Status = StatusUnhealthy
		info.Error = err.Error()
		up = 0
	}
	metrics.UpstreamUp.WithLabelValues(name).Set(up)

	p.mu.Lock()
	prev := p.state[name]
	p.state[name] = info
	p.mu.Unlock()

	if prev.Status == info.Status {
		return
	}
	if err != nil {
		slog.Warn("upstream unhealthy", "upstream", name, "category", meta.Category, "error", err)
		return
	}
	slog.Info("upstream healthy", "upstream", name, "category", meta.Category)
}

// StatusAll returns every upstream's state in name order.
func (p *Prober) StatusAll() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.state))
	for _, name := range p.registry.Names() {
		out = append(out, p.state[name])
	}
	return out
}

// Ready returns nil once every required upstream has been probed healthy.
func (p *Prober) Ready() error {
	var errs []error
	for _, info := range p.StatusAll() {
		if info.Required && info.Status != StatusHealthy {
			errs = append(errs, fmt.Errorf("%w: %s is %s", ErrNotReady, info.Name, info.Status))
		}
	}
	return errors.Join(errs...)
}
