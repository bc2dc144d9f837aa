// Package keepsync implements the KeepSync controller (spec §4.5): a pure
// decision function that, given host/client state and a config, emits one
// of {noop, setSpeed, seek} to keep a Client aligned with the Host during
// playback.
package keepsync

import "math"

// Action kinds.
type ActionKind int

const (
	ActionNoop ActionKind = iota
	ActionSetSpeed
	ActionSeek
)

// Noop reasons and action reasons, per spec §4.5.
const (
	ReasonNotPlaying            = "not_playing"
	ReasonClockNotLocked        = "clock_not_locked"
	ReasonStaleHostState        = "stale_host_state"
	ReasonHold                  = "hold"
	ReasonReturnToNormal        = "return_to_normal"
	ReasonWithinDeadband        = "within_deadband"
	ReasonSeekCooldown          = "seek_cooldown"
	ReasonSpeedCooldownAfterSeek = "speed_cooldown_after_seek"
	ReasonSpeedInterval         = "speed_interval"
	ReasonReverseGuard          = "reverse_guard"
	ReasonSpeedChangeTooSmall   = "speed_change_too_small"
	ReasonSeekLarge             = "seek"
	ReasonSpeedAdjust           = "speed_adjust"
)

// Config bundles KeepSync tunables (spec §4.5 defaults, with the iOS-safe
// profile as an alternate constructor).
type Config struct {
	DeadbandMs              int64
	SeekThresholdMs         int64
	SeekCooldown            int64 // wall ms
	SpeedCooldownAfterSeek  int64 // wall ms
	SpeedInterval           int64 // wall ms
	ReverseGuardThresholdMs int64
	ReverseGuardHoldMs      int64
	PredictionWindowMs      int64
	K                       float64
	MinSpeed                float64
	MaxSpeed                float64
	MaxStep                 float64
	SpeedAlpha              float64
	HighJitterMs            int64
	HighRTTMs               int64
	StaleThresholdMs        int64
	SuppressSetSpeed        bool // iOS: rely solely on the seek path
}

// DefaultConfig returns spec §4.5's default tunables.
func DefaultConfig() Config {
	return Config{
		DeadbandMs:              30,
		SeekThresholdMs:         1000,
		SeekCooldown:            1500,
		SpeedCooldownAfterSeek:  500,
		SpeedInterval:           400,
		ReverseGuardThresholdMs: 120,
		ReverseGuardHoldMs:      800,
		PredictionWindowMs:      500,
		K:                       2e-4,
		MinSpeed:                0.96,
		MaxSpeed:                1.04,
		MaxStep:                 0.005,
		SpeedAlpha:              0.2,
		HighJitterMs:            40,
		HighRTTMs:               120,
		StaleThresholdMs:        1200,
	}
}

// IOSSafeConfig returns the reduced-magnitude profile for platforms that
// suppress native playback-rate control (spec §4.5).
func IOSSafeConfig() Config {
	c := DefaultConfig()
	c.K = 1e-4
	c.MinSpeed = 0.98
	c.MaxSpeed = 1.02
	c.MaxStep = 0.003
	c.SpeedInterval = 800
	c.SuppressSetSpeed = true
	return c
}

// Input is one KeepSync evaluation's inputs (spec §4.5).
type Input struct {
	IsPlaying       bool
	Epoch           uint64
	TrackID         string
	HostPosMs       int64
	SampledAtRoomMs int64
	RoomNowMs       int64
	ClientPosMs     int64
	DurationMs      int64
	LatencyCompMs   int64
	IsClockLocked   bool
	JitterMs        int64
	RTTMs           int64
	NowWallMs       int64 // local wall time, for cooldown/hold comparisons
}

// Action is the decision emitted by Evaluate.
type Action struct {
	Kind      ActionKind
	SpeedCmd  float64
	SeekToMs  int64
	Reason    string
}

// State is the KeepSync controller's persistent state (spec §3), reset on
// epoch/track change.
type State struct {
	currentSpeed   float64
	speedEma       float64
	lastSpeedSetAt int64 // wall ms; 0 means never
	lastSeekAt     int64 // wall ms; 0 means never
	activeEpoch    uint64
	activeTrackID  string
	hasActive      bool
	lastDeltaSign  int
	holdUntil      int64 // wall ms; 0 means no hold

	seekCount            int
	speedSetCount        int
	droppedHostStateCount int
	lastDroppedReason    string
}

// NewState returns a fresh State with currentSpeed=1.0.
func NewState() *State {
	return &State{currentSpeed: 1.0, speedEma: 1.0}
}

// CurrentSpeed returns the controller's last-commanded speed.
func (s *State) CurrentSpeed() float64 { return s.currentSpeed }

// Counters exposes the bookkeeping counters for metrics/diagnostics.
func (s *State) Counters() (seeks, speedSets, droppedHostStates int, lastDroppedReason string) {
	return s.seekCount, s.speedSetCount, s.droppedHostStateCount, s.lastDroppedReason
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Evaluate runs the decision ladder (spec §4.5) for one host_state receipt,
// mutating s as needed. It is a pure function of (s, in, cfg) modulo the
// in-place state mutation, and performs no I/O.
func Evaluate(s *State, in Input, cfg Config) Action {
	if in.IsPlaying && (s.activeTrackID != in.TrackID || s.activeEpoch != in.Epoch || !s.hasActive) {
		*s = State{currentSpeed: 1.0, speedEma: 1.0, activeEpoch: in.Epoch, activeTrackID: in.TrackID, hasActive: true}
	}

	if !in.IsPlaying {
		return Action{Kind: ActionNoop, Reason: ReasonNotPlaying}
	}
	if !in.IsClockLocked {
		return Action{Kind: ActionNoop, Reason: ReasonClockNotLocked}
	}

	elapsed := in.RoomNowMs - in.SampledAtRoomMs
	if elapsed > cfg.StaleThresholdMs {
		s.droppedHostStateCount++
		s.lastDroppedReason = ReasonStaleHostState
		return Action{Kind: ActionNoop, Reason: ReasonStaleHostState}
	}

	targetPos := clampI(in.HostPosMs+elapsed-in.LatencyCompMs, 0, in.DurationMs)
	delta := targetPos - in.ClientPosMs
	predictedDelta := int64(math.Round(float64(delta) + (s.currentSpeed-1)*float64(cfg.PredictionWindowMs)))

	// 1. Hold active.
	if s.holdUntil > in.NowWallMs {
		if s.currentSpeed != 1.0 {
			return s.commitSpeed(1.0, in.NowWallMs, cfg, ReasonHold)
		}
		return Action{Kind: ActionNoop, Reason: ReasonHold}
	}

	absPredicted := predictedDelta
	if absPredicted < 0 {
		absPredicted = -absPredicted
	}

	// 2. Dead-band.
	if absPredicted <= cfg.DeadbandMs {
		if s.currentSpeed != 1.0 && s.speedIntervalElapsed(in.NowWallMs, cfg) {
			return s.commitSpeed(1.0, in.NowWallMs, cfg, ReasonReturnToNormal)
		}
		return Action{Kind: ActionNoop, Reason: ReasonWithinDeadband}
	}

	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	// 3. Large delta -> seek.
	if absDelta > cfg.SeekThresholdMs {
		if s.lastSeekAt != 0 && in.NowWallMs-s.lastSeekAt < cfg.SeekCooldown {
			return Action{Kind: ActionNoop, Reason: ReasonSeekCooldown}
		}
		s.currentSpeed = 1.0
		s.speedEma = 1.0
		s.lastDeltaSign = 0
		s.holdUntil = 0
		s.lastSeekAt = in.NowWallMs
		s.seekCount++
		return Action{Kind: ActionSeek, SeekToMs: targetPos, Reason: ReasonSeekLarge}
	}

	// 4. Speed region.
	if s.lastSeekAt != 0 && in.NowWallMs-s.lastSeekAt < cfg.SpeedCooldownAfterSeek {
		return Action{Kind: ActionNoop, Reason: ReasonSpeedCooldownAfterSeek}
	}
	if !s.speedIntervalElapsed(in.NowWallMs, cfg) {
		return Action{Kind: ActionNoop, Reason: ReasonSpeedInterval}
	}

	curSign := sign(delta)
	if s.lastDeltaSign != 0 && curSign != 0 && curSign != s.lastDeltaSign && absDelta < cfg.ReverseGuardThresholdMs {
		s.lastDeltaSign = curSign
		s.holdUntil = in.NowWallMs + cfg.ReverseGuardHoldMs
		return s.commitSpeed(1.0, in.NowWallMs, cfg, ReasonReverseGuard)
	}
	s.lastDeltaSign = curSign

	speedDelta := clamp(float64(predictedDelta)*cfg.K, cfg.MinSpeed-1, cfg.MaxSpeed-1)
	speedTarget := 1 + speedDelta

	alpha := cfg.SpeedAlpha
	if in.JitterMs > cfg.HighJitterMs || in.RTTMs > cfg.HighRTTMs {
		alpha /= 2
	}
	s.speedEma = (1-alpha)*s.speedEma + alpha*speedTarget
	s.speedEma = clamp(s.speedEma, cfg.MinSpeed, cfg.MaxSpeed)

	speedCmd := clamp(s.speedEma, s.currentSpeed-cfg.MaxStep, s.currentSpeed+cfg.MaxStep)

	if math.Abs(speedCmd-s.currentSpeed) < 0.002 {
		return Action{Kind: ActionNoop, Reason: ReasonSpeedChangeTooSmall}
	}
	return s.commitSpeed(speedCmd, in.NowWallMs, cfg, ReasonSpeedAdjust)
}

func (s *State) speedIntervalElapsed(nowWall int64, cfg Config) bool {
	return s.lastSpeedSetAt == 0 || nowWall-s.lastSpeedSetAt >= cfg.SpeedInterval
}

func (s *State) commitSpeed(v float64, nowWall int64, cfg Config, reason string) Action {
	if cfg.SuppressSetSpeed {
		// iOS-safe profile: suppress setSpeed entirely and rely on the seek
		// path (spec §4.5); the internal speed bookkeeping still advances
		// so cooldowns/hold behave consistently, but no action is emitted.
		s.currentSpeed = v
		s.lastSpeedSetAt = nowWall
		return Action{Kind: ActionNoop, Reason: reason}
	}
	s.currentSpeed = v
	s.lastSpeedSetAt = nowWall
	s.speedSetCount++
	return Action{Kind: ActionSetSpeed, SpeedCmd: v, Reason: reason}
}
