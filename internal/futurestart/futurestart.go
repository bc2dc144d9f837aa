// Package futurestart implements the two-phase future-start scheduler
// (spec §4.3): a coarse one-shot timer followed by a fine polling tick,
// so playback launches precisely at an agreed room-time despite OS
// scheduler jitter.
package futurestart

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tunables, per spec §4.3.
const (
	CoarseLeadMs = 80
	FineTickMs   = 2
	IdleDelay    = 2 * time.Second
)

// State is the scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateWaiting
	StateStarted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateWaiting:
		return "waiting"
	case StateStarted:
		return "started"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Descriptor is a future-start attempt descriptor (spec §3).
type Descriptor struct {
	Epoch           uint64
	Seq             uint64
	TrackID         string
	StartAtRoomMs   int64
	StartPosMs      int64
}

// less reports whether d identifies a strictly older attempt than o.
func (d Descriptor) less(o Descriptor) bool {
	if d.Epoch != o.Epoch {
		return d.Epoch < o.Epoch
	}
	return d.Seq < o.Seq
}

func (d Descriptor) equal(o Descriptor) bool {
	return d.Epoch == o.Epoch && d.Seq == o.Seq
}

// Clock supplies room time.
type Clock interface {
	RoomNow(localWallNow time.Time) int64
}

// Timers abstracts scheduling so tests can drive time deterministically.
// AfterFunc and Now mirror the stdlib time package's shape.
type Timers interface {
	AfterFunc(d time.Duration, f func()) Canceler
	Now() time.Time
}

// Canceler cancels a scheduled timer; Stop must be idempotent.
type Canceler interface {
	Stop() bool
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) Canceler { return time.AfterFunc(d, f) }
func (realTimers) Now() time.Time                               { return time.Now() }

// RealTimers is the production Timers implementation backed by the stdlib.
func RealTimers() Timers { return realTimers{} }

// Result summarizes a completed (or failed) attempt.
type Result struct {
	Descriptor          Descriptor
	ActualStartRoomMs   int64
	StartErrorMs        int64
}

// Scheduler runs one future-start attempt at a time (spec §4.3). Schedule,
// Cancel and State are called from the facade's single-threaded event loop
// (spec §5); mu exists only to bridge the stdlib timer/ticker goroutines
// (coarse AfterFunc, fine-tick poller) that necessarily run off that loop
// back into the scheduler's state — it is not a general-purpose concurrency
// API and onStart still fires synchronously from whichever goroutine
// detects the fire condition.
type Scheduler struct {
	clock  Clock
	timers Timers
	log    *slog.Logger

	mu sync.Mutex

	state   State
	current Descriptor
	lastDone Descriptor // last (epoch,seq) that has been scheduled/completed
	hasLast bool

	coarseTimer Canceler
	fineTicker  *time.Ticker
	fineCancel  context.CancelFunc

	onStart func(Result)
}

// New creates a Scheduler bound to clock and timers. timers may be nil to
// use the real stdlib-backed implementation.
func New(clock Clock, timers Timers, log *slog.Logger) *Scheduler {
	if timers == nil {
		timers = RealTimers()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{clock: clock, timers: timers, log: log, state: StateIdle}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Schedule promises to invoke onPrepare once, then invoke onStart at
// d.StartAtRoomMs ± ε. Idempotent: a call whose (epoch,seq) has already been
// scheduled, or which is older than the last scheduled attempt (lesser epoch,
// or same epoch and lesser seq), returns without effect (spec §4.3
// idempotence).
func (s *Scheduler) Schedule(d Descriptor, onPrepare func() error, onStart func(Result)) {
	s.mu.Lock()
	if s.hasLast {
		if d.equal(s.lastDone) || d.less(s.lastDone) {
			s.log.Warn("schedule ignored: duplicate or stale attempt",
				"epoch", d.Epoch, "seq", d.Seq, "lastEpoch", s.lastDone.Epoch, "lastSeq", s.lastDone.Seq)
			s.mu.Unlock()
			return
		}
	}

	s.cancelTimersLocked()
	s.current = d
	s.lastDone = d
	s.hasLast = true
	s.onStart = onStart
	s.state = StatePreparing
	s.mu.Unlock()

	if err := onPrepare(); err != nil {
		s.mu.Lock()
		if s.current == d {
			s.log.Warn("future-start prepare failed", "epoch", d.Epoch, "seq", d.Seq, "err", err)
			s.state = StateFailed
		}
		s.mu.Unlock()
		return
	}

	s.beginWait(d)
}

func (s *Scheduler) beginWait(d Descriptor) {
	s.mu.Lock()
	if s.current != d {
		s.mu.Unlock()
		return
	}
	s.state = StateWaiting
	now := s.timers.Now()
	remaining := d.StartAtRoomMs - s.clock.RoomNow(now)

	if remaining <= 0 {
		s.mu.Unlock()
		s.fire(d, now)
		return
	}

	coarseWait := time.Duration(remaining-CoarseLeadMs) * time.Millisecond
	if coarseWait <= 0 {
		s.mu.Unlock()
		s.startFinePhase(d)
		return
	}

	s.coarseTimer = s.timers.AfterFunc(coarseWait, func() {
		s.startFinePhase(d)
	})
	s.mu.Unlock()
}

func (s *Scheduler) startFinePhase(d Descriptor) {
	s.mu.Lock()
	if s.current != d || s.state != StateWaiting {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.fineCancel = cancel
	ticker := time.NewTicker(FineTickMs * time.Millisecond)
	s.fineTicker = ticker
	s.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.current != d || s.state != StateWaiting {
					s.mu.Unlock()
					return
				}
				now := s.timers.Now()
				remaining := d.StartAtRoomMs - s.clock.RoomNow(now)
				s.mu.Unlock()
				if remaining <= 0 {
					s.fire(d, now)
					return
				}
			}
		}
	}()
}

// fire transitions to started, invokes onStart, and schedules return-to-idle.
// d is the descriptor the caller observed as current; fire re-checks it
// under the lock, together with the waiting state, so a Cancel or reschedule
// racing with a fine-tick fire cannot invoke onStart for a cancelled or
// superseded attempt.
func (s *Scheduler) fire(d Descriptor, now time.Time) {
	s.mu.Lock()
	if s.current != d || s.state != StateWaiting {
		s.mu.Unlock()
		return
	}
	s.cancelTimersLocked()
	s.state = StateStarted

	actual := s.clock.RoomNow(now)
	result := Result{
		Descriptor:        d,
		ActualStartRoomMs: actual,
		StartErrorMs:      actual - d.StartAtRoomMs,
	}
	cb := s.onStart

	s.timers.AfterFunc(IdleDelay, func() {
		s.mu.Lock()
		if s.current == d && s.state == StateStarted {
			s.state = StateIdle
		}
		s.mu.Unlock()
	})
	s.mu.Unlock()

	if cb != nil {
		cb(result)
	}
}

// Cancel nullifies outstanding timers and transitions to idle without
// firing onStart.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimersLocked()
	s.state = StateIdle
}

// cancelTimersLocked must be called with mu held.
func (s *Scheduler) cancelTimersLocked() {
	if s.coarseTimer != nil {
		s.coarseTimer.Stop()
		s.coarseTimer = nil
	}
	if s.fineCancel != nil {
		s.fineCancel()
		s.fineCancel = nil
	}
	s.fineTicker = nil
}
