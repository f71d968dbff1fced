// Package triage scores registered handlers against an utterance.
package triage

import (
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

// Weights shape the confidence score. Only their monotonicity matters:
// more keyword matches never lower confidence, and neither does priority.
type Weights struct {
	Match    float64
	Density  float64
	Priority float64
}

// DefaultWeights favours absolute match count over density.
func DefaultWeights() Weights {
	return Weights{Match: 0.7, Density: 0.2, Priority: 0.1}
}

// Options configures a Router.
type Options struct {
	// MaxCandidates caps the decision length. Zero means no cap.
	MaxCandidates int
	// SelectRatio is the fraction of the top confidence a secondary
	// candidate needs to be selected alongside it.
	SelectRatio float64
	Weights     Weights
}

// DefaultOptions returns the router defaults.
func DefaultOptions() Options {
	return Options{MaxCandidates: 3, SelectRatio: 0.6, Weights: DefaultWeights()}
}

// Candidate is one scored handler.
type Candidate struct {
	Name       string  `json:"name"`
	Matches    int     `json:"matches"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// Decision is the ordered routing outcome for one utterance.
type Decision struct {
	Candidates []Candidate `json:"candidates"`
	// Denied lists handlers that matched but were rejected because the
	// session lacks a required permission.
	Denied []string `json:"denied,omitempty"`
	Tokens int      `json:"tokens"`
}

// Empty reports whether no handler was selected.
func (d Decision) Empty() bool {
	return len(d.Candidates) == 0
}

// Names returns candidate names in ranked order.
func (d Decision) Names() []string {
	out := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		out[i] = c.Name
	}
	return out
}

// Scores maps candidate names to confidence.
func (d Decision) Scores() map[string]float64 {
	out := make(map[string]float64, len(d.Candidates))
	for _, c := range d.Candidates {
		out[c.Name] = c.Confidence
	}
	return out
}

// Select returns the top candidate plus every other candidate whose
// confidence is at least ratio times the top one.
func (d Decision) Select(ratio float64) []string {
	if d.Empty() {
		return nil
	}
	top := d.Candidates[0].Confidence
	out := []string{d.Candidates[0].Name}
	for _, c := range d.Candidates[1:] {
		if c.Confidence >= top*ratio {
			out = append(out, c.Name)
		}
	}
	return out
}

// Router ranks handlers from a registry.
type Router struct {
	reg  *handlers.Registry
	opts Options
}

// NewRouter creates a router over reg.
func NewRouter(reg *handlers.Registry, opts Options) *Router {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	return &Router{reg: reg, opts: opts}
}

// SelectRatio returns the configured secondary-selection ratio.
func (r *Router) SelectRatio() float64 {
	return r.opts.SelectRatio
}

type scored struct {
	desc    handlers.Descriptor
	pos     int
	matches int
}

// Route scores every handler whose keywords appear in utterance, filters out
// those the session may not use, and ranks the rest by (matches, priority)
// descending with registration order breaking ties.
func (r *Router) Route(utterance string, sc handlers.SessionContext) Decision {
	tokens := Tokenize(utterance)
	dec := Decision{Tokens: len(tokens)}

	counts := make(map[string]int)
	for _, tok := range tokens {
		for _, name := range r.lookup(tok) {
			counts[name]++
		}
	}

	var ranked []scored
	for pos, d := range r.reg.All() {
		n := counts[d.Name]
		if n == 0 {
			continue
		}
		if !d.Compatible(sc.BusinessType) {
			continue
		}
		if !d.Permitted(sc) {
			dec.Denied = append(dec.Denied, d.Name)
			continue
		}
		ranked = append(ranked, scored{desc: d, pos: pos, matches: n})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].matches != ranked[j].matches {
			return ranked[i].matches > ranked[j].matches
		}
		if ranked[i].desc.Priority != ranked[j].desc.Priority {
			return ranked[i].desc.Priority > ranked[j].desc.Priority
		}
		return ranked[i].pos < ranked[j].pos
	})

	if r.opts.MaxCandidates > 0 && len(ranked) > r.opts.MaxCandidates {
		ranked = ranked[:r.opts.MaxCandidates]
	}
	for _, s := range ranked {
		dec.Candidates = append(dec.Candidates, Candidate{
			Name:       s.desc.Name,
			Matches:    s.matches,
			Priority:   s.desc.Priority,
			Confidence: r.confidence(s.matches, len(tokens), s.desc.Priority),
		})
	}

	if dec.Empty() {
		metrics.RoutingEmpty.Inc()
		slog.Debug("routing empty", "tokens", len(tokens), "denied", dec.Denied)
		return dec
	}
	metrics.Routings.WithLabelValues(dec.Candidates[0].Name).Inc()
	return dec
}

// lookup resolves a token against the keyword index, retrying without a
// plural "s" when the exact form is absent.
func (r *Router) lookup(tok string) []string {
	if names := r.reg.FindByKeyword(tok); len(names) > 0 {
		return names
	}
	if len(tok) > 3 && strings.HasSuffix(tok, "s") {
		return r.reg.FindByKeyword(strings.TrimSuffix(tok, "s"))
	}
	return nil
}

func (r *Router) confidence(matches, tokens, priority int) float64 {
	if matches <= 0 {
		return 0
	}
	w := r.opts.Weights
	density := 0.0
	if tokens > 0 {
		density = float64(matches) / float64(tokens)
	}
	p := float64(max(0, min(priority, 10))) / 10
	c := w.Match*(1-1/(1+float64(matches))) + w.Density*density + w.Priority*p
	return max(0, min(1, c))
}

// Tokenize lowercases text and splits it into distinct word tokens in order
// of first appearance. Possessive suffixes are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSuffix(strings.Trim(f, "'"), "'s")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
