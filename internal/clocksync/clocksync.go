// Package clocksync drives periodic ping/pong exchanges over the message
// transport and feeds the resulting samples to a roomclock.Clock (spec
// §4.2). It is a Client-only component: the Host never runs it.
package clocksync

import (
	"log/slog"
	"time"

	"github.com/rustyguts/roomsync/internal/roomclock"
)

// Cadences, per spec §4.2.
const (
	NormalInterval       = 800 * time.Millisecond
	BackgroundInterval   = 2 * time.Second
	FastRecoveryInterval = 200 * time.Millisecond
	FastRecoveryCount    = 3

	// PongTimeout is how long an in-flight ping waits before being discarded.
	PongTimeout = 2 * time.Second
)

// Mode is the current ping cadence.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBackground
	ModeFastRecovery
)

// Sender abstracts sending a ping over the transport (C1).
type Sender interface {
	SendPing(seq uint64, t0Ms int64) error
}

// inFlight records the send time of a ping awaiting its pong.
type inFlight struct {
	t0Ms   int64
	sentAt time.Time
}

// Synchronizer drives the ping/pong cadence. Single-writer: all methods are
// called from the facade's event loop (spec §5); Tick must be invoked by the
// caller's timer at the interval reported by CurrentInterval.
type Synchronizer struct {
	clock  *roomclock.Clock
	sender Sender
	log    *slog.Logger
	nowFn  func() time.Time

	mode           Mode
	fastRemaining  int
	seq            uint64
	pending        map[uint64]inFlight
}

// New creates a Synchronizer driving clock via sender.
func New(clock *roomclock.Clock, sender Sender, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		clock:   clock,
		sender:  sender,
		log:     log,
		nowFn:   time.Now,
		pending: make(map[uint64]inFlight),
	}
}

// SetNowFunc overrides the wall-clock source, for tests.
func (s *Synchronizer) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// CurrentInterval returns the cadence the caller's timer should use before
// the next Tick.
func (s *Synchronizer) CurrentInterval() time.Duration {
	switch s.mode {
	case ModeBackground:
		return BackgroundInterval
	case ModeFastRecovery:
		return FastRecoveryInterval
	default:
		return NormalInterval
	}
}

// EnterBackground switches to the reduced-presence cadence.
func (s *Synchronizer) EnterBackground() {
	s.mode = ModeBackground
	s.fastRemaining = 0
}

// EnterForeground triggers fast-recovery cadence (200ms x3) before
// returning to normal, per spec §4.2.
func (s *Synchronizer) EnterForeground() {
	s.mode = ModeFastRecovery
	s.fastRemaining = FastRecoveryCount
}

// Tick sends the next ping and expires any pong that hasn't arrived within
// PongTimeout. Call this at CurrentInterval() cadence.
func (s *Synchronizer) Tick() {
	now := s.nowFn()
	s.expirePending(now)

	s.seq++
	t0 := now.UnixMilli()
	s.pending[s.seq] = inFlight{t0Ms: t0, sentAt: now}

	if err := s.sender.SendPing(s.seq, t0); err != nil {
		s.log.Debug("ping send failed", "seq", s.seq, "err", err)
	}

	if s.mode == ModeFastRecovery {
		s.fastRemaining--
		if s.fastRemaining <= 0 {
			s.mode = ModeNormal
		}
	}
}

func (s *Synchronizer) expirePending(now time.Time) {
	for seq, f := range s.pending {
		if now.Sub(f.sentAt) > PongTimeout {
			delete(s.pending, seq)
			s.log.Debug("ping expired without pong", "seq", seq)
		}
	}
}

// OnPong handles an incoming pong (seq, t0, t1), stamping t2 = now and
// forwarding the completed sample to the clock. Pongs for unknown or
// already-expired sequence numbers are ignored.
func (s *Synchronizer) OnPong(seq uint64, t0Ms, t1Ms int64) {
	f, ok := s.pending[seq]
	if !ok {
		s.log.Debug("pong for unknown/expired ping", "seq", seq)
		return
	}
	delete(s.pending, seq)

	t2 := s.nowFn().UnixMilli()
	s.clock.OnSample(roomclock.Sample{Seq: seq, T0: f.t0Ms, T1: t1Ms, T2: t2})
	_ = t0Ms // carried for protocol symmetry; t0 authoritative value is f.t0Ms
}

// PendingCount reports in-flight pings, for tests/diagnostics.
func (s *Synchronizer) PendingCount() int { return len(s.pending) }
