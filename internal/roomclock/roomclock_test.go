package roomclock

import "testing"

func TestOnSampleRejectsNegativeRTT(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	ok := c.OnSample(Sample{Seq: 1, T0: 100, T1: 50, T2: 90})
	if ok {
		t.Fatal("expected rejection")
	}
	if c.LastDroppedReason() != ReasonRTTNegative {
		t.Fatalf("expected %s, got %s", ReasonRTTNegative, c.LastDroppedReason())
	}
	if c.SampleCount() != 0 {
		t.Fatalf("rejected sample must not update sampleCount")
	}
}

func TestOnSampleRejectsHighRTT(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	ok := c.OnSample(Sample{Seq: 1, T0: 0, T1: 10, T2: 300})
	if ok {
		t.Fatal("expected rejection")
	}
	if c.LastDroppedReason() != ReasonRTTTooHigh {
		t.Fatalf("expected %s, got %s", ReasonRTTTooHigh, c.LastDroppedReason())
	}
}

func TestOnSampleRejectsOffsetJump(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	// Seed offsetEma with a small, steady sample.
	if !c.OnSample(Sample{Seq: 1, T0: 0, T1: 10, T2: 20}) {
		t.Fatal("expected first sample accepted")
	}
	// offsetRaw = t1 - (t0+t2)/2 = 10 - 10 = 0 -> offsetEma seeded to 0,
	// so the jump-guard is skipped on the first real sample (offsetEma==0
	// means "unseeded" per spec). Seed non-zero explicitly instead.
	c2 := New(NewDefaultConfig(), nil)
	c2.OnSample(Sample{Seq: 1, T0: 0, T1: 100, T2: 20}) // offsetRaw=90, offsetEma=90
	ok := c2.OnSample(Sample{Seq: 2, T0: 0, T1: 400, T2: 20}) // offsetRaw=390, jump=300>120
	if ok {
		t.Fatal("expected offset-jump rejection")
	}
	if c2.LastDroppedReason() != ReasonOffsetJump {
		t.Fatalf("expected %s, got %s", ReasonOffsetJump, c2.LastDroppedReason())
	}
}

func TestLockRule(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	for i := 0; i < 2; i++ {
		c.OnSample(Sample{Seq: uint64(i), T0: 0, T1: 10, T2: 20})
	}
	if c.IsLocked() {
		t.Fatal("expected unlocked before 3 samples")
	}
	c.OnSample(Sample{Seq: 3, T0: 0, T1: 10, T2: 20})
	if !c.IsLocked() {
		t.Fatal("expected locked after 3 steady samples")
	}
}

func TestRejectedHighRTTSampleKeepsLock(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	for i := 0; i < 3; i++ {
		c.OnSample(Sample{Seq: uint64(i), T0: 0, T1: 10, T2: 20})
	}
	if !c.IsLocked() {
		t.Fatal("expected locked")
	}
	// A high-RTT sample is rejected outright, so lock state should persist
	// (rejections never modify clock state per spec §4.1).
	c.OnSample(Sample{Seq: 4, T0: 0, T1: 10, T2: 300})
	if !c.IsLocked() {
		t.Fatal("rejected sample must not change lock state")
	}
}

func TestMinRTTSelectionForOffset(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	// First sample seeds offsetEma.
	c.OnSample(Sample{Seq: 1, T0: 0, T1: 50, T2: 100}) // rtt=100 offsetRaw=50
	// Second sample has lower RTT and a different offset; min-RTT selection
	// should weight toward it.
	c.OnSample(Sample{Seq: 2, T0: 0, T1: 70, T2: 20}) // rtt=20 offsetRaw=60
	if c.OffsetEma() == 0 {
		t.Fatal("expected non-zero offsetEma")
	}
}

func TestResetClearsState(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	for i := 0; i < 3; i++ {
		c.OnSample(Sample{Seq: uint64(i), T0: 0, T1: 10, T2: 20})
	}
	c.Reset(false)
	if c.SampleCount() != 0 || c.IsLocked() || c.OffsetEma() != 0 {
		t.Fatalf("expected clean state after reset, got count=%d locked=%v offset=%d",
			c.SampleCount(), c.IsLocked(), c.OffsetEma())
	}
}

func TestEpochAndSeq(t *testing.T) {
	c := New(NewDefaultConfig(), nil)
	if c.Epoch() != 0 {
		t.Fatalf("expected epoch 0, got %d", c.Epoch())
	}
	e := c.NewEpoch()
	if e != 1 {
		t.Fatalf("expected epoch 1, got %d", e)
	}
	if s := c.NextSeq(); s != 1 {
		t.Fatalf("expected seq 1, got %d", s)
	}
	if s := c.NextSeq(); s != 2 {
		t.Fatalf("expected seq 2, got %d", s)
	}
}
