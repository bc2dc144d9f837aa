// Package roomclock implements the NTP-style room clock (spec §4.1): it
// maps local wall time onto an authoritative room time derived from
// ping/pong samples exchanged with the Host, with sample filtering and
// lock detection.
//
// Clock is single-writer: every method is called only from the facade's
// single logical event-loop goroutine (spec §5), so no internal locking is
// needed.
package roomclock

import (
	"log/slog"
	"math"
	"time"
)

// Tunables, with spec-default values.
const (
	DefaultAlpha          = 0.1
	DefaultRTTCapMs        = 200
	DefaultOffsetJumpCapMs = 120
	maxRecentSamples       = 30
	maxGoodSamples         = 5
	lockMinSamples         = 3
	lockMaxRTTMs           = 300
	lockMaxJitterMs        = 100
)

// Drop reasons, per spec §4.1.
const (
	ReasonRTTNegative = "rtt_negative"
	ReasonRTTTooHigh  = "rtt_too_high"
	ReasonOffsetJump  = "offset_jump"
)

// Sample is one raw clock measurement (spec §3): t0 is the Client's send
// time, t1 the Host's stamp on reply, t2 the Client's receive time, all in
// local wall milliseconds except t1 which is room-relative as stamped by
// the Host.
type Sample struct {
	Seq uint64
	T0  int64
	T1  int64
	T2  int64
}

// RTT returns t2 - t0.
func (s Sample) RTT() int64 { return s.T2 - s.T0 }

// OffsetRaw returns t1 - (t0+t2)/2.
func (s Sample) OffsetRaw() int64 { return s.T1 - (s.T0+s.T2)/2 }

// accepted is an accepted sample retained in the rings.
type accepted struct {
	sample Sample
	rtt    int64
	offset int64
}

// Config bounds clock acceptance/estimation. Zero-value Config is invalid;
// use NewDefaultConfig.
type Config struct {
	Alpha          float64
	RTTCapMs        int64
	OffsetJumpCapMs int64
}

// NewDefaultConfig returns the spec-default tunables.
func NewDefaultConfig() Config {
	return Config{
		Alpha:          DefaultAlpha,
		RTTCapMs:       DefaultRTTCapMs,
		OffsetJumpCapMs: DefaultOffsetJumpCapMs,
	}
}

// Clock is the per-device room clock (spec §3/§4.1).
type Clock struct {
	cfg Config
	log *slog.Logger

	offsetRaw int64
	offsetEma int64
	rtt       int64
	rttEma    float64
	jitterEma float64
	jitter    int64

	sampleCount int
	seq         uint64
	epoch       uint64
	isLocked    bool

	recent []accepted // ring of last <=30 accepted samples, newest last
	good   []accepted // ring of last <=5 accepted samples (for min-RTT selection)

	droppedCount      int
	lastDroppedReason string

	onLockChange func(locked bool)
}

// New creates a Clock with cfg. log may be nil (defaults to slog.Default()).
func New(cfg Config, log *slog.Logger) *Clock {
	if log == nil {
		log = slog.Default()
	}
	return &Clock{cfg: cfg, log: log}
}

// OnLockChange registers a callback invoked on lock state edge transitions.
func (c *Clock) OnLockChange(fn func(locked bool)) { c.onLockChange = fn }

// RoomNow returns localWallNow + offsetEma, the current estimate of
// authoritative room time.
func (c *Clock) RoomNow(localWallNow time.Time) int64 {
	return localWallNow.UnixMilli() + c.offsetEma
}

// IsLocked reports whether downstream consumers may rely on the clock.
func (c *Clock) IsLocked() bool { return c.isLocked }

// OffsetEma returns the current smoothed offset in ms.
func (c *Clock) OffsetEma() int64 { return c.offsetEma }

// RTT returns the most recent accepted sample's RTT in ms.
func (c *Clock) RTT() int64 { return c.rtt }

// Jitter returns the current smoothed jitter in ms.
func (c *Clock) Jitter() int64 { return c.jitter }

// SampleCount returns the number of accepted samples since the last reset.
func (c *Clock) SampleCount() int { return c.sampleCount }

// DroppedCount and LastDroppedReason expose rejection bookkeeping.
func (c *Clock) DroppedCount() int        { return c.droppedCount }
func (c *Clock) LastDroppedReason() string { return c.lastDroppedReason }

// Epoch returns the current epoch.
func (c *Clock) Epoch() uint64 { return c.epoch }

// NewEpoch increments epoch and resets seq. Host-only per spec §4.1.
func (c *Clock) NewEpoch() uint64 {
	c.epoch++
	c.seq = 0
	return c.epoch
}

// NextSeq returns a monotonically increasing per-epoch sequence number.
// Host-only per spec §4.1.
func (c *Clock) NextSeq() uint64 {
	c.seq++
	return c.seq
}

// OnSample ingests one measurement, accepting or rejecting it per spec
// §4.1's acceptance rules, and returns whether it was accepted.
func (c *Clock) OnSample(s Sample) bool {
	rtt := s.RTT()
	offsetRaw := s.OffsetRaw()

	if rtt < 0 {
		c.reject(ReasonRTTNegative)
		return false
	}
	if rtt > c.cfg.RTTCapMs {
		c.reject(ReasonRTTTooHigh)
		return false
	}
	if c.offsetEma != 0 {
		diff := offsetRaw - c.offsetEma
		if diff < 0 {
			diff = -diff
		}
		if diff > c.cfg.OffsetJumpCapMs {
			c.reject(ReasonOffsetJump)
			return false
		}
	}

	c.accept(accepted{sample: s, rtt: rtt, offset: offsetRaw})
	return true
}

func (c *Clock) reject(reason string) {
	c.droppedCount++
	c.lastDroppedReason = reason
	c.log.Debug("clock sample rejected", "reason", reason)
}

func (c *Clock) accept(a accepted) {
	c.sampleCount++
	c.rtt = a.rtt
	c.offsetRaw = a.offset

	alpha := c.cfg.Alpha
	if c.rttEma == 0 {
		c.rttEma = float64(a.rtt)
	} else {
		c.rttEma = alpha*float64(a.rtt) + (1-alpha)*c.rttEma
	}

	diff := float64(a.rtt) - c.rttEma
	if diff < 0 {
		diff = -diff
	}
	c.jitterEma = alpha*diff + (1-alpha)*c.jitterEma
	c.jitter = int64(math.Round(c.jitterEma))

	c.pushRing(&c.recent, a, maxRecentSamples)
	c.pushRing(&c.good, a, maxGoodSamples)

	best := c.bestByMinRTT()
	if c.offsetEma == 0 {
		c.offsetEma = best.offset
	} else {
		c.offsetEma = int64(math.Round(alpha*float64(best.offset) + (1-alpha)*float64(c.offsetEma)))
	}

	c.updateLock()
}

func (c *Clock) pushRing(ring *[]accepted, a accepted, max int) {
	*ring = append(*ring, a)
	if len(*ring) > max {
		*ring = (*ring)[len(*ring)-max:]
	}
}

// bestByMinRTT selects the accepted sample with the smallest RTT from the
// most recent <=5 good samples (spec §4.1 min-RTT strategy).
func (c *Clock) bestByMinRTT() accepted {
	best := c.good[0]
	for _, a := range c.good[1:] {
		if a.rtt < best.rtt {
			best = a
		}
	}
	return best
}

func (c *Clock) updateLock() {
	locked := c.sampleCount >= lockMinSamples && c.rtt <= lockMaxRTTMs && c.jitter <= lockMaxJitterMs
	if locked != c.isLocked {
		c.isLocked = locked
		c.log.Info("clock lock transition", "locked", locked)
		if c.onLockChange != nil {
			c.onLockChange(locked)
		}
	}
}

// Reset clears estimator scalars, counters, and (if !keepHistory) both
// rings. It never crosses epoch boundaries implicitly.
func (c *Clock) Reset(keepHistory bool) {
	c.offsetRaw = 0
	c.offsetEma = 0
	c.rtt = 0
	c.rttEma = 0
	c.jitterEma = 0
	c.jitter = 0
	c.sampleCount = 0
	c.droppedCount = 0
	c.lastDroppedReason = ""
	if c.isLocked {
		c.isLocked = false
		if c.onLockChange != nil {
			c.onLockChange(false)
		}
	}
	if !keepHistory {
		c.recent = nil
		c.good = nil
	}
}
