package progress

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Percent floors and bands.
const (
	fetchingPercent  = 10.0
	analyzingPercent = 30.0
	rewritingBand    = 65.0
	unknownCap       = 95.0
	finalPercent     = 100.0

	// Without a size estimate the rewriting percent ramps as 30 + logScale*ln(1 + received/logUnit).
	logScale = 12.0
	logUnit  = 500.0
)

// Expected total bounds.
const (
	MinExpectedChars = 1000
	MaxExpectedChars = 200000
)

// Sample window.
const (
	Window     = 6 * time.Second
	MaxSamples = 256
)

var (
	ErrExpectedSet     = errors.New("expected total already set")
	ErrStreamStarted   = errors.New("expected total must be set before the first token")
	ErrInvalidExpected = errors.New("expected total must be positive")
)

type sample struct {
	at    time.Time
	chars int
}

// Estimator computes a monotonic percent and a throughput-based ETA.
// It is owned by one session and is not safe for concurrent use.
type Estimator struct {
	now func() time.Time

	phase    Phase
	percent  float64
	expected int
	received int
	started  bool

	samples  []sample
	eta      float64
	etaKnown bool
}

// NewEstimator returns an Estimator in the Fetching phase.
// A nil clock uses time.Now.
func NewEstimator(now func() time.Time) *Estimator {
	if now == nil {
		now = time.Now
	}
	e := &Estimator{now: now, phase: Fetching}
	e.recompute()
	return e
}

// Phase returns the current phase.
func (e *Estimator) Phase() Phase { return e.phase }

// Percent returns the completion percent in [0, 100].
func (e *Estimator) Percent() float64 { return e.percent }

// Received returns the number of characters observed.
func (e *Estimator) Received() int { return e.received }

// Expected returns the clamped size estimate, if one was set.
func (e *Estimator) Expected() (int, bool) { return e.expected, e.expected > 0 }

// ETA returns the estimated seconds remaining. ok is false until both a size
// estimate and a positive throughput have been established.
func (e *Estimator) ETA() (seconds float64, ok bool) {
	if e.expected == 0 || !e.etaKnown {
		return 0, false
	}
	return e.eta, true
}

// SetExpectedTotal records the size estimate, clamped to
// [MinExpectedChars, MaxExpectedChars]. It may be called once, before the first token.
func (e *Estimator) SetExpectedTotal(n int) error {
	switch {
	case e.expected > 0:
		return ErrExpectedSet
	case e.started:
		return ErrStreamStarted
	case n <= 0:
		return ErrInvalidExpected
	}
	e.expected = min(max(n, MinExpectedChars), MaxExpectedChars)
	e.recompute()
	return nil
}

// Transition moves to the next phase. Illegal moves leave the state unchanged.
func (e *Estimator) Transition(to Phase) error {
	if !CanTransition(e.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.phase, to)
	}
	e.phase = to
	switch to {
	case Rewriting:
		e.samples = append(e.samples[:0], sample{at: e.now(), chars: e.received})
	case Finalizing:
		if e.expected > 0 {
			e.eta, e.etaKnown = 0, true
		}
	}
	e.recompute()
	return nil
}

// Observe records n newly received characters.
func (e *Estimator) Observe(n int) {
	if n <= 0 {
		return
	}
	e.started = true
	e.received += n

	now := e.now()
	e.samples = append(e.samples, sample{at: now, chars: e.received})
	e.prune(now)
	e.updateETA()
	e.recompute()
}

// prune drops samples older than Window and caps the count. The newest sample is always kept.
func (e *Estimator) prune(now time.Time) {
	cutoff := now.Add(-Window)
	drop := 0
	for drop < len(e.samples)-1 && e.samples[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(e.samples) - drop - MaxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
}

func (e *Estimator) updateETA() {
	if e.expected == 0 || len(e.samples) < 2 {
		return
	}
	oldest, newest := e.samples[0], e.samples[len(e.samples)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return
	}
	throughput := float64(newest.chars-oldest.chars) / dt
	if throughput <= 0 {
		return
	}
	remaining := math.Max(0, float64(e.expected-e.received))
	e.eta = remaining / throughput
	e.etaKnown = true
}

func (e *Estimator) recompute() {
	e.percent = math.Max(e.percent, e.candidate())
}

func (e *Estimator) candidate() float64 {
	switch e.phase {
	case Fetching:
		return fetchingPercent
	case Analyzing:
		return analyzingPercent
	case Rewriting:
		if e.expected > 0 {
			frac := math.Min(1, float64(e.received)/float64(e.expected))
			return analyzingPercent + rewritingBand*frac
		}
		return math.Min(unknownCap, analyzingPercent+logScale*math.Log1p(float64(e.received)/logUnit))
	case Finalizing:
		return finalPercent
	}
	return 0
}
