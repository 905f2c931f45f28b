package recovery

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/errors"
)

const (
	ewmaAlpha        = 0.3
	defaultRate      = 0.5
	defaultThreshold = 0.5
	thresholdStep    = 0.05
	minThreshold     = 0.05
	maxThreshold     = 0.95

	maxRetries = 3
	maxReinits = 2
	maxUnloads = 1

	baseBackoff = 10 * time.Millisecond
	maxBackoff  = 2 * time.Second

	defaultMemoSize = 512
)

type pattern struct {
	signature string
	observed  uint64
	rates     map[Strategy]float64
	threshold float64
	firstSeen time.Time
	lastSeen  time.Time
}

func (p *pattern) rate(s Strategy) float64 {
	if r, ok := p.rates[s]; ok {
		return r
	}
	return defaultRate
}

// belowThreshold reports whether a strategy has a learned success rate under
// the pattern's threshold. Strategies never attempted keep the benefit of
// the doubt.
func (p *pattern) belowThreshold(s Strategy) bool {
	r, ok := p.rates[s]
	return ok && r < p.threshold
}

type episode struct {
	id      string
	stage   Strategy
	retries int
	reinits int
	unloads int
	started time.Time
}

// Advisor learns which recovery strategies work for which error patterns and
// recommends actions. Per-fault episodes escalate monotonically: once an
// episode has moved past retrying it never recommends a retry again until
// the fault is resolved. Thread-safe.
type Advisor struct {
	log         *zap.Logger
	clk         clock.Clock
	store       *Store
	patterns    map[string]*pattern   // exact signature -> pattern
	byNorm      map[string][]*pattern // normalized signature -> candidates
	episodes    map[driverkit.ModuleID]*episode
	memo        *lru.Cache[string, string] // raw -> normalized signature
	reports     uint64
	escalations uint64
	mu          sync.Mutex
}

// Option configures an Advisor.
type Option func(*Advisor)

// WithLogger sets the advisor logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Advisor) { a.log = l }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(a *Advisor) { a.clk = c }
}

// WithStore attaches a snapshot store used by Snapshot and Restore.
func WithStore(s *Store) Option {
	return func(a *Advisor) { a.store = s }
}

// New creates an advisor with an empty pattern table.
func New(opts ...Option) *Advisor {
	memo, _ := lru.New[string, string](defaultMemoSize)
	a := &Advisor{
		log:      zap.NewNop(),
		clk:      clock.New(),
		patterns: make(map[string]*pattern),
		byNorm:   make(map[string][]*pattern),
		episodes: make(map[driverkit.ModuleID]*episode),
		memo:     memo,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ReportError records an error occurrence for subject and returns the
// recommended action. Matching is exact first, then fuzzy over normalized
// signatures; an unseen signature creates a fresh pattern with the default
// threshold. On any internal failure the advisor degrades to Escalate rather
// than panicking into the caller.
func (a *Advisor) ReportError(subject driverkit.ModuleID, signature string) (act Action) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("advisor degraded to escalate", zap.Any("panic", r))
			act = Action{Strategy: StrategyEscalate}
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clk.Now()
	a.reports++

	p := a.matchLocked(signature, now)
	p.observed++
	p.lastSeen = now

	ep := a.episodes[subject]
	if ep == nil {
		ep = &episode{id: uuid.NewString(), stage: StrategyRetry, started: now}
		a.episodes[subject] = ep
	}

	a.advanceLocked(ep, p)

	switch ep.stage {
	case StrategyRetry:
		ep.retries++
		backoff := baseBackoff << (ep.retries - 1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		return Action{Strategy: StrategyRetry, Backoff: backoff, Episode: ep.id, Attempt: ep.retries}

	case StrategyReinitialize:
		ep.reinits++
		return Action{Strategy: StrategyReinitialize, Episode: ep.id, Attempt: ep.reinits}

	case StrategyUnload:
		ep.unloads++
		return Action{Strategy: StrategyUnload, Episode: ep.id, Attempt: ep.unloads}

	default:
		a.escalations++
		delete(a.episodes, subject)
		a.log.Warn("escalating",
			zap.String("module", string(subject)),
			zap.String("signature", signature),
			zap.String("episode", ep.id))
		return Action{Strategy: StrategyEscalate, Episode: ep.id, Attempt: 1}
	}
}

// advanceLocked moves the episode past strategies that are exhausted or that
// the pattern has learned rarely succeed. Stage only moves forward.
func (a *Advisor) advanceLocked(ep *episode, p *pattern) {
	for {
		switch ep.stage {
		case StrategyRetry:
			if ep.retries >= maxRetries || p.belowThreshold(StrategyRetry) {
				ep.stage = StrategyReinitialize
				continue
			}
		case StrategyReinitialize:
			if ep.reinits >= maxReinits || p.belowThreshold(StrategyReinitialize) {
				ep.stage = StrategyUnload
				continue
			}
		case StrategyUnload:
			if ep.unloads >= maxUnloads || p.belowThreshold(StrategyUnload) {
				ep.stage = StrategyEscalate
				continue
			}
		}
		return
	}
}

// RecordOutcome feeds back whether an attempted strategy resolved the fault.
// The pattern's EWMA rate for that strategy moves toward the outcome and the
// threshold self-adjusts: relaxed after success, tightened after failure,
// clamped to a sane band. A success closes the subject's open episode.
func (a *Advisor) RecordOutcome(subject driverkit.ModuleID, signature string, strategy Strategy, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clk.Now()
	p := a.matchLocked(signature, now)

	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	p.rates[strategy] = ewmaAlpha*outcome + (1-ewmaAlpha)*p.rate(strategy)

	if ok {
		p.threshold -= thresholdStep
		delete(a.episodes, subject)
	} else {
		p.threshold += thresholdStep
	}
	if p.threshold < minThreshold {
		p.threshold = minThreshold
	}
	if p.threshold > maxThreshold {
		p.threshold = maxThreshold
	}
	p.lastSeen = now
}

// matchLocked resolves a signature to its pattern: exact hit, then the most
// observed pattern sharing the normalized form, then a new pattern.
func (a *Advisor) matchLocked(signature string, now time.Time) *pattern {
	if p, ok := a.patterns[signature]; ok {
		return p
	}

	norm := a.normalize(signature)
	var best *pattern
	for _, cand := range a.byNorm[norm] {
		if best == nil || cand.observed > best.observed {
			best = cand
		}
	}
	if best != nil {
		return best
	}

	p := &pattern{
		signature: signature,
		rates:     make(map[Strategy]float64),
		threshold: defaultThreshold,
		firstSeen: now,
		lastSeen:  now,
	}
	a.patterns[signature] = p
	a.byNorm[norm] = append(a.byNorm[norm], p)
	return p
}

var (
	hexRun   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	digitRun = regexp.MustCompile(`[0-9]+`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// normalize canonicalizes a signature so that messages differing only in
// addresses, counters, or ids fuzzy-match the same pattern. Memoized.
func (a *Advisor) normalize(signature string) string {
	if norm, ok := a.memo.Get(signature); ok {
		return norm
	}
	norm := strings.ToLower(signature)
	norm = hexRun.ReplaceAllString(norm, "#")
	norm = digitRun.ReplaceAllString(norm, "#")
	norm = spaceRun.ReplaceAllString(norm, " ")
	norm = strings.TrimSpace(norm)
	a.memo.Add(signature, norm)
	return norm
}

// Patterns returns snapshots of all learned patterns.
func (a *Advisor) Patterns() []Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Pattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, exportLocked(p))
	}
	return out
}

// Stats returns advisor counters. Read-only.
func (a *Advisor) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Patterns:    len(a.patterns),
		Episodes:    len(a.episodes),
		Reports:     a.reports,
		Escalations: a.escalations,
	}
}

// Snapshot persists the pattern table to the attached store.
func (a *Advisor) Snapshot(ctx context.Context) error {
	if a.store == nil {
		return errors.New(errors.PhaseSnapshot, errors.KindInvalidState).
			Detail("no snapshot store attached").
			Build()
	}
	return a.store.Save(ctx, a.Patterns())
}

// Restore replaces the pattern table with the store's contents. Open
// episodes are preserved; learning state is reset to the snapshot.
func (a *Advisor) Restore(ctx context.Context) error {
	if a.store == nil {
		return errors.New(errors.PhaseSnapshot, errors.KindInvalidState).
			Detail("no snapshot store attached").
			Build()
	}
	pats, err := a.store.Load(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.patterns = make(map[string]*pattern, len(pats))
	a.byNorm = make(map[string][]*pattern)
	for _, snap := range pats {
		p := &pattern{
			signature: snap.Signature,
			observed:  snap.Observed,
			rates:     make(map[Strategy]float64, len(snap.Rates)),
			threshold: snap.Threshold,
			firstSeen: snap.FirstSeen,
			lastSeen:  snap.LastSeen,
		}
		for s, r := range snap.Rates {
			p.rates[s] = r
		}
		a.patterns[p.signature] = p
		norm := a.normalize(p.signature)
		a.byNorm[norm] = append(a.byNorm[norm], p)
	}
	return nil
}

func exportLocked(p *pattern) Pattern {
	rates := make(map[Strategy]float64, len(p.rates))
	for s, r := range p.rates {
		rates[s] = r
	}
	return Pattern{
		Signature: p.signature,
		Observed:  p.observed,
		Rates:     rates,
		Threshold: p.threshold,
		FirstSeen: p.firstSeen,
		LastSeen:  p.lastSeen,
	}
}
