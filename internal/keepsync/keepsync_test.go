package keepsync

import "testing"

func baseInput() Input {
	return Input{
		IsPlaying:       true,
		Epoch:           1,
		TrackID:         "track-1",
		HostPosMs:       10_000,
		SampledAtRoomMs: 100_000,
		RoomNowMs:       100_000,
		ClientPosMs:     10_000,
		DurationMs:      600_000,
		IsClockLocked:   true,
		NowWallMs:       1,
	}
}

func TestNotPlayingDropsToNoop(t *testing.T) {
	s := NewState()
	in := baseInput()
	in.IsPlaying = false
	act := Evaluate(s, in, DefaultConfig())
	if act.Kind != ActionNoop || act.Reason != ReasonNotPlaying {
		t.Fatalf("got %+v", act)
	}
}

func TestClockNotLockedDropsToNoop(t *testing.T) {
	s := NewState()
	in := baseInput()
	in.IsClockLocked = false
	act := Evaluate(s, in, DefaultConfig())
	if act.Reason != ReasonClockNotLocked {
		t.Fatalf("got %+v", act)
	}
}

func TestStaleHostStateDropped(t *testing.T) {
	s := NewState()
	in := baseInput()
	in.RoomNowMs = in.SampledAtRoomMs + DefaultConfig().StaleThresholdMs + 1
	act := Evaluate(s, in, DefaultConfig())
	if act.Reason != ReasonStaleHostState {
		t.Fatalf("got %+v", act)
	}
	_, _, dropped, lastReason := s.Counters()
	if dropped != 1 || lastReason != ReasonStaleHostState {
		t.Fatalf("expected dropped counter incremented, got %d %q", dropped, lastReason)
	}
}

func TestWithinDeadbandIsNoop(t *testing.T) {
	s := NewState()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs + 10 // 10ms within 30ms deadband
	act := Evaluate(s, in, DefaultConfig())
	if act.Kind != ActionNoop || act.Reason != ReasonWithinDeadband {
		t.Fatalf("got %+v", act)
	}
}

func TestLargeDeltaTriggersSeek(t *testing.T) {
	s := NewState()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 2000 // 2s behind
	act := Evaluate(s, in, DefaultConfig())
	if act.Kind != ActionSeek {
		t.Fatalf("expected seek, got %+v", act)
	}
	if act.SeekToMs != in.HostPosMs {
		t.Fatalf("expected seek to host pos %d, got %d", in.HostPosMs, act.SeekToMs)
	}
}

func TestSeekCooldownBlocksRepeatSeek(t *testing.T) {
	s := NewState()
	cfg := DefaultConfig()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 2000
	act := Evaluate(s, in, cfg)
	if act.Kind != ActionSeek {
		t.Fatalf("expected first seek, got %+v", act)
	}

	in2 := in
	in2.NowWallMs = in.NowWallMs + cfg.SeekCooldown - 1
	in2.ClientPosMs = in.HostPosMs - 2000 // still far, but cooldown active
	act2 := Evaluate(s, in2, cfg)
	if act2.Kind != ActionNoop || act2.Reason != ReasonSeekCooldown {
		t.Fatalf("expected seek cooldown noop, got %+v", act2)
	}
}

func TestModerateDeltaAdjustsSpeed(t *testing.T) {
	s := NewState()
	cfg := DefaultConfig()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 200 // behind by 200ms, within deadband..seek range

	act := Evaluate(s, in, cfg)
	if act.Kind != ActionSetSpeed {
		t.Fatalf("expected setSpeed, got %+v", act)
	}
	if act.SpeedCmd <= 1.0 {
		t.Fatalf("expected sped-up speed (>1.0) when client behind, got %f", act.SpeedCmd)
	}
	if act.SpeedCmd > cfg.MaxSpeed {
		t.Fatalf("speed %f exceeds max %f", act.SpeedCmd, cfg.MaxSpeed)
	}
}

func TestSpeedIntervalBlocksImmediateRepeat(t *testing.T) {
	s := NewState()
	cfg := DefaultConfig()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 200
	act := Evaluate(s, in, cfg)
	if act.Kind != ActionSetSpeed {
		t.Fatalf("expected first setSpeed, got %+v", act)
	}

	in2 := in
	in2.NowWallMs = in.NowWallMs + cfg.SpeedInterval - 1
	act2 := Evaluate(s, in2, cfg)
	if act2.Kind != ActionNoop || act2.Reason != ReasonSpeedInterval {
		t.Fatalf("expected speed-interval noop, got %+v", act2)
	}
}

func TestIOSSafeProfileSuppressesSetSpeed(t *testing.T) {
	s := NewState()
	cfg := IOSSafeConfig()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 200

	act := Evaluate(s, in, cfg)
	if act.Kind != ActionNoop {
		t.Fatalf("expected setSpeed suppressed to noop under iOS-safe profile, got %+v", act)
	}
}

func TestEpochChangeResetsState(t *testing.T) {
	s := NewState()
	cfg := DefaultConfig()
	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 2000
	Evaluate(s, in, cfg) // triggers a seek, sets lastSeekAt

	in2 := baseInput()
	in2.Epoch = 2
	in2.NowWallMs = in.NowWallMs + 1 // cooldown would otherwise still apply
	in2.ClientPosMs = in2.HostPosMs - 2000
	act := Evaluate(s, in2, cfg)
	if act.Kind != ActionSeek {
		t.Fatalf("expected new epoch to reset seek cooldown and allow seek, got %+v", act)
	}
}

func TestReverseGuardHoldsSpeedAtOne(t *testing.T) {
	s := NewState()
	cfg := DefaultConfig()

	in := baseInput()
	in.ClientPosMs = in.HostPosMs - 200 // behind -> positive delta sign
	act := Evaluate(s, in, cfg)
	if act.Kind != ActionSetSpeed {
		t.Fatalf("expected initial setSpeed, got %+v", act)
	}

	in2 := in
	in2.NowWallMs = in.NowWallMs + cfg.SpeedInterval
	in2.ClientPosMs = in.HostPosMs + 50 // flips ahead, small magnitude -> reverse guard
	act2 := Evaluate(s, in2, cfg)
	if act2.Reason != ReasonReverseGuard {
		t.Fatalf("expected reverse guard, got %+v", act2)
	}
	if act2.Kind == ActionSetSpeed && act2.SpeedCmd != 1.0 {
		t.Fatalf("expected reverse guard to pin speed at 1.0, got %+v", act2)
	}
}
