// Package metrics implements the sliding-window sync statistics and
// protection-mode state machine (spec §4.6): it tracks recent alignment
// error samples and seek/setSpeed activity, and decides when a Client
// should enter or leave "protection mode" (reduced KeepSync aggressiveness).
package metrics

import (
	"math"
	"sort"
	"time"
)

// Protection-mode thresholds, per spec §4.6.
const (
	ShortWindow = 30 * time.Second
	LongWindow  = 120 * time.Second

	// T1: sustained high p95 error over the short window.
	T1P95ThresholdMs = 60
	T1SustainedFor   = 10 * time.Second
	// T2: seek count over a trailing 60s window.
	T2Window              = 60 * time.Second
	T2SeekCountThreshold  = 3
	// T3: consecutive dropped/stale host_state receipts.
	T3StaleDropStreak = 5

	ExitHoldDuration = 10 * time.Second
)

type sample struct {
	at      time.Time
	errMs   float64
}

type event struct {
	at time.Time
}

// Tracker accumulates sync-error samples and seek/setSpeed events, computes
// sliding-window statistics, and runs the protection-mode state machine.
// Single-writer, no internal synchronization (spec §5).
type Tracker struct {
	nowFn func() time.Time

	samples []sample
	seeks   []event
	speeds  []event

	staleDropStreak int

	inProtection     bool
	protectionSince  time.Time
	t1BreachSince    time.Time
	t1Breaching      bool
	exitEligibleSince time.Time
	hasExitEligible  bool
}

// New creates a Tracker using time.Now as its clock.
func New() *Tracker {
	return &Tracker{nowFn: time.Now}
}

// SetNowFunc overrides the wall-clock source, for tests.
func (t *Tracker) SetNowFunc(fn func() time.Time) { t.nowFn = fn }

// RecordSample records one alignment-error observation (the absolute
// difference in ms between the Host's projected position and the Client's
// decoder position) at the current time.
func (t *Tracker) RecordSample(errMs float64) {
	now := t.nowFn()
	t.samples = append(t.samples, sample{at: now, errMs: errMs})
	t.prune(now)
	t.evaluateProtection(now)
}

// RecordSeek records a KeepSync seek action.
func (t *Tracker) RecordSeek() {
	now := t.nowFn()
	t.seeks = append(t.seeks, event{at: now})
	t.prune(now)
	t.evaluateProtection(now)
}

// RecordSpeedSet records a KeepSync setSpeed action.
func (t *Tracker) RecordSpeedSet() {
	now := t.nowFn()
	t.speeds = append(t.speeds, event{at: now})
	t.prune(now)
}

// RecordHostStateDropped records a dropped/stale host_state receipt,
// advancing the T3 streak; RecordHostStateAccepted resets it.
func (t *Tracker) RecordHostStateDropped() {
	t.staleDropStreak++
	t.evaluateProtection(t.nowFn())
}

func (t *Tracker) RecordHostStateAccepted() {
	t.staleDropStreak = 0
}

func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-LongWindow)
	t.samples = prune(t.samples, cutoff)
	t.seeks = pruneEvents(t.seeks, cutoff)
	t.speeds = pruneEvents(t.speeds, cutoff)
}

func prune(s []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return s
	}
	return append([]sample(nil), s[i:]...)
}

func pruneEvents(s []event, cutoff time.Time) []event {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return s
	}
	return append([]event(nil), s[i:]...)
}

// WindowStats is a snapshot of sliding-window statistics.
type WindowStats struct {
	Count       int
	MeanMs      float64
	StdevMs     float64
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
	FractionOK  float64 // fraction of samples with err <= 30ms
	SeekCount   int
	SpeedCount  int
}

// Short returns statistics over ShortWindow.
func (t *Tracker) Short() WindowStats { return t.statsFor(ShortWindow) }

// Long returns statistics over LongWindow.
func (t *Tracker) Long() WindowStats { return t.statsFor(LongWindow) }

func (t *Tracker) statsFor(window time.Duration) WindowStats {
	now := t.nowFn()
	cutoff := now.Add(-window)

	var errs []float64
	for _, s := range t.samples {
		if !s.at.Before(cutoff) {
			errs = append(errs, s.errMs)
		}
	}
	var seekCount, speedCount int
	for _, e := range t.seeks {
		if !e.at.Before(cutoff) {
			seekCount++
		}
	}
	for _, e := range t.speeds {
		if !e.at.Before(cutoff) {
			speedCount++
		}
	}

	st := WindowStats{Count: len(errs), SeekCount: seekCount, SpeedCount: speedCount}
	if len(errs) == 0 {
		return st
	}
	sort.Float64s(errs)

	var sum float64
	var ok int
	for _, e := range errs {
		sum += e
		if e <= 30 {
			ok++
		}
	}
	st.MeanMs = sum / float64(len(errs))
	st.FractionOK = float64(ok) / float64(len(errs))

	var variance float64
	for _, e := range errs {
		d := e - st.MeanMs
		variance += d * d
	}
	variance /= float64(len(errs))
	st.StdevMs = math.Sqrt(variance)

	st.P50Ms = percentile(errs, 0.50)
	st.P95Ms = percentile(errs, 0.95)
	st.P99Ms = percentile(errs, 0.99)
	return st
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// InProtectionMode reports whether the tracker currently believes the
// session is in protection mode (spec §4.6).
func (t *Tracker) InProtectionMode() bool { return t.inProtection }

// evaluateProtection runs the entry/exit rules (T1/T2/T3 and 10s exit hold).
func (t *Tracker) evaluateProtection(now time.Time) {
	short := t.statsFor(ShortWindow)

	t1 := short.Count > 0 && short.P95Ms > T1P95ThresholdMs
	if t1 {
		if !t.t1Breaching {
			t.t1Breaching = true
			t.t1BreachSince = now
		}
	} else {
		t.t1Breaching = false
	}
	t1Sustained := t1 && now.Sub(t.t1BreachSince) >= T1SustainedFor

	cutoff60 := now.Add(-T2Window)
	var seekCount60 int
	for _, e := range t.seeks {
		if !e.at.Before(cutoff60) {
			seekCount60++
		}
	}
	t2 := seekCount60 > T2SeekCountThreshold

	t3 := t.staleDropStreak >= T3StaleDropStreak

	triggered := t1Sustained || t2 || t3

	if triggered {
		if !t.inProtection {
			t.inProtection = true
			t.protectionSince = now
		}
		t.hasExitEligible = false
		return
	}

	if !t.inProtection {
		return
	}

	if !t.hasExitEligible {
		t.hasExitEligible = true
		t.exitEligibleSince = now
		return
	}
	if now.Sub(t.exitEligibleSince) >= ExitHoldDuration {
		t.inProtection = false
		t.hasExitEligible = false
	}
}
