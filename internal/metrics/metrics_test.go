package metrics

import (
	"testing"
	"time"
)

func TestStatsComputeBasicPercentiles(t *testing.T) {
	tr := New()
	now := time.UnixMilli(0)
	tr.SetNowFunc(func() time.Time { return now })

	for _, e := range []float64{10, 20, 30, 40, 50} {
		tr.RecordSample(e)
	}
	st := tr.Short()
	if st.Count != 5 {
		t.Fatalf("expected 5 samples, got %d", st.Count)
	}
	if st.MeanMs != 30 {
		t.Fatalf("expected mean 30, got %f", st.MeanMs)
	}
	if st.P50Ms != 30 {
		t.Fatalf("expected p50 30, got %f", st.P50Ms)
	}
}

func TestOldSamplesAreEvicted(t *testing.T) {
	tr := New()
	now := time.UnixMilli(0)
	tr.SetNowFunc(func() time.Time { return now })

	tr.RecordSample(999)
	now = now.Add(LongWindow + time.Second)
	tr.RecordSample(10)

	st := tr.Long()
	if st.Count != 1 {
		t.Fatalf("expected stale sample evicted, got count %d", st.Count)
	}
	if st.MeanMs != 10 {
		t.Fatalf("expected only the fresh sample to remain, got mean %f", st.MeanMs)
	}
}

func TestT1SustainedTriggersProtection(t *testing.T) {
	tr := New()
	now := time.UnixMilli(0)
	tr.SetNowFunc(func() time.Time { return now })

	tr.RecordSample(200) // p95 breach begins
	if tr.InProtectionMode() {
		t.Fatal("must not trigger protection before sustained duration")
	}

	now = now.Add(T1SustainedFor + time.Second)
	tr.RecordSample(200)
	if !tr.InProtectionMode() {
		t.Fatal("expected protection mode after sustained T1 breach")
	}
}

func TestT3StaleDropStreakTriggersProtection(t *testing.T) {
	tr := New()
	now := time.UnixMilli(0)
	tr.SetNowFunc(func() time.Time { return now })

	for i := 0; i < T3StaleDropStreak; i++ {
		tr.RecordHostStateDropped()
	}
	if !tr.InProtectionMode() {
		t.Fatal("expected protection mode after T3 stale-drop streak")
	}
}

func TestT2SeekCountTriggersProtection(t *testing.T) {
	tr := New()
	now := time.UnixMilli(0)
	tr.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		tr.RecordSeek()
		now = now.Add(10 * time.Second)
	}
	if tr.InProtectionMode() {
		t.Fatal("must not trigger protection at exactly the threshold")
	}

	tr.RecordSeek() // 4th seek within the trailing 60s window
	if !tr.InProtectionMode() {
		t.Fatal("expected protection mode after 4 seeks within 60s")
	}
}

func TestProtectionExitsAfterHoldDuration(t *testing.T) {
	tr := New()
	now := time.UnixMilli(0)
	tr.SetNowFunc(func() time.Time { return now })

	for i := 0; i < T3StaleDropStreak; i++ {
		tr.RecordHostStateDropped()
	}
	if !tr.InProtectionMode() {
		t.Fatal("expected protection mode triggered")
	}
	tr.RecordHostStateAccepted()

	now = now.Add(time.Second)
	tr.RecordSample(1) // re-evaluate with streak reset and no other trigger
	if !tr.InProtectionMode() {
		t.Fatal("expected protection mode to persist through exit-hold window")
	}

	now = now.Add(ExitHoldDuration + time.Second)
	tr.RecordSample(1)
	if tr.InProtectionMode() {
		t.Fatal("expected protection mode to exit after hold duration elapses clean")
	}
}
