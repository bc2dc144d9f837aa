// Package catchup implements the Catch-Up Controller (spec §4.4): a
// gated, once-per-epoch procedure that brings a late-joining or
// resynchronizing Client onto the Host's current playback position.
package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MinRetryInterval is the minimum spacing between catch-up attempts,
// regardless of epoch (spec §4.4).
const MinRetryInterval = 1500 * time.Millisecond

// PrepareMs is the lead time added to room-now when projecting the catch-up
// target, giving the seek/decoder pipeline room to settle before the sleep
// completes (spec §4.4).
const PrepareMs = 300

// Decoder is the subset of the decoder contract catch-up needs.
type Decoder interface {
	Load(ctx context.Context, trackID string) error
	Seek(ctx context.Context, posMs int64) error
	Play(ctx context.Context) error
}

// Clock supplies room time for sleep-until computation.
type Clock interface {
	RoomNow(localWallNow time.Time) int64
}

// Sleeper abstracts the wait-until-start delay so tests can avoid real time.
type Sleeper interface {
	SleepUntilRoomMs(ctx context.Context, clock Clock, targetRoomMs int64) error
}

type realSleeper struct{}

func (realSleeper) SleepUntilRoomMs(ctx context.Context, clock Clock, targetRoomMs int64) error {
	for {
		now := clock.RoomNow(time.Now())
		remaining := targetRoomMs - now
		if remaining <= 0 {
			return nil
		}
		d := time.Duration(remaining) * time.Millisecond
		if d > 20*time.Millisecond {
			d = 20 * time.Millisecond
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RealSleeper is the production Sleeper, backed by stdlib timers.
func RealSleeper() Sleeper { return realSleeper{} }

// Request is one catch-up attempt's parameters (spec §3).
type Request struct {
	Epoch            uint64
	TrackID          string
	HostPosMs        int64
	HostSampledAtMs  int64 // room time the host position was sampled at
	LatencyCompMs    int64
	DurationMs       int64
	NowRoomMs        int64 // room time "now", for target projection
}

// Controller runs the three-gate catch-up logic. Single-writer, no internal
// synchronization (spec §5).
type Controller struct {
	clock   Clock
	decoder Decoder
	sleeper Sleeper
	log     *slog.Logger
	nowFn   func() time.Time

	inFlight     bool
	doneEpoch    uint64
	hasDoneEpoch bool
	lastAttempt  time.Time
	hasAttempted bool

	wasPlaying bool
}

// New creates a Controller.
func New(clock Clock, decoder Decoder, sleeper Sleeper, log *slog.Logger) *Controller {
	if sleeper == nil {
		sleeper = RealSleeper()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{clock: clock, decoder: decoder, sleeper: sleeper, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the wall-clock source, for tests.
func (c *Controller) SetNowFunc(fn func() time.Time) { c.nowFn = fn }

// OnPlayingTransition must be called whenever the Host's reported isPlaying
// flag changes; a false->true transition clears the done-epoch gate so a
// fresh play can be caught up to even within the same epoch (spec §4.4).
func (c *Controller) OnPlayingTransition(isPlaying bool) {
	if isPlaying && !c.wasPlaying {
		c.hasDoneEpoch = false
	}
	c.wasPlaying = isPlaying
}

// Eligible reports whether a catch-up attempt for req would pass all three
// gates, without mutating state.
func (c *Controller) Eligible(req Request) bool {
	if c.inFlight {
		return false
	}
	if c.hasDoneEpoch && c.doneEpoch == req.Epoch {
		return false
	}
	if c.hasAttempted && c.nowFn().Sub(c.lastAttempt) < MinRetryInterval {
		return false
	}
	return true
}

// Attempt runs one catch-up cycle if eligible: load the track (if needed),
// compute the projected target position, seek, sleep until the target room
// time (now + PrepareMs), then play. Returns false without effect if any gate
// blocks the attempt.
func (c *Controller) Attempt(ctx context.Context, req Request, trackAlreadyLoaded bool) (bool, error) {
	if !c.Eligible(req) {
		return false, nil
	}

	c.inFlight = true
	c.lastAttempt = c.nowFn()
	c.hasAttempted = true
	defer func() { c.inFlight = false }()

	if !trackAlreadyLoaded {
		if err := c.decoder.Load(ctx, req.TrackID); err != nil {
			return false, fmt.Errorf("catchup: load track %s: %w", req.TrackID, err)
		}
	}

	targetRoomTime := req.NowRoomMs + PrepareMs
	target := req.HostPosMs + (targetRoomTime - req.HostSampledAtMs) - req.LatencyCompMs
	if target < 0 {
		target = 0
	}
	if req.DurationMs > 0 && target > req.DurationMs {
		target = req.DurationMs
	}

	if err := c.decoder.Seek(ctx, target); err != nil {
		return false, fmt.Errorf("catchup: seek to %dms: %w", target, err)
	}

	if err := c.sleeper.SleepUntilRoomMs(ctx, c.clock, targetRoomTime); err != nil {
		return false, fmt.Errorf("catchup: sleep until room time: %w", err)
	}

	if err := c.decoder.Play(ctx); err != nil {
		return false, fmt.Errorf("catchup: play: %w", err)
	}

	c.doneEpoch = req.Epoch
	c.hasDoneEpoch = true
	c.log.Debug("catchup complete", "epoch", req.Epoch, "track", req.TrackID, "targetMs", target)
	return true, nil
}

// Reset clears all gate state, for use on room leave/rejoin.
func (c *Controller) Reset() {
	*c = Controller{clock: c.clock, decoder: c.decoder, sleeper: c.sleeper, log: c.log, nowFn: c.nowFn}
}
