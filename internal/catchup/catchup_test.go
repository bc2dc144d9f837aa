package catchup

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now int64 }

func (f *fakeClock) RoomNow(time.Time) int64 { return f.now }

type fakeDecoder struct {
	loadCalls []string
	seekCalls []int64
	playCalls int
	loadErr   error
	seekErr   error
	playErr   error
}

func (d *fakeDecoder) Load(ctx context.Context, trackID string) error {
	d.loadCalls = append(d.loadCalls, trackID)
	return d.loadErr
}

func (d *fakeDecoder) Seek(ctx context.Context, posMs int64) error {
	d.seekCalls = append(d.seekCalls, posMs)
	return d.seekErr
}

func (d *fakeDecoder) Play(ctx context.Context) error {
	d.playCalls++
	return d.playErr
}

type noopSleeper struct{ calls int }

func (s *noopSleeper) SleepUntilRoomMs(ctx context.Context, clock Clock, targetRoomMs int64) error {
	s.calls++
	return nil
}

func TestAttemptRunsLoadSeekPlayInOrder(t *testing.T) {
	clock := &fakeClock{now: 20_000}
	dec := &fakeDecoder{}
	sleeper := &noopSleeper{}
	c := New(clock, dec, sleeper, nil)

	ok, err := c.Attempt(context.Background(), Request{
		Epoch: 1, TrackID: "t1", HostPosMs: 5000, HostSampledAtMs: 19_000,
		DurationMs: 600_000, NowRoomMs: 20_000,
	}, false)
	if err != nil || !ok {
		t.Fatalf("expected successful attempt, got ok=%v err=%v", ok, err)
	}
	if len(dec.loadCalls) != 1 || dec.loadCalls[0] != "t1" {
		t.Fatalf("expected load called with t1, got %v", dec.loadCalls)
	}
	if len(dec.seekCalls) != 1 || dec.seekCalls[0] != 6300 {
		t.Fatalf("expected seek to 6300 (5000+1300 elapsed incl. 300ms prepare), got %v", dec.seekCalls)
	}
	if dec.playCalls != 1 {
		t.Fatalf("expected play called once, got %d", dec.playCalls)
	}
	if sleeper.calls != 1 {
		t.Fatalf("expected sleeper invoked once, got %d", sleeper.calls)
	}
}

func TestSecondAttemptSameEpochIsGated(t *testing.T) {
	clock := &fakeClock{now: 20_000}
	dec := &fakeDecoder{}
	c := New(clock, dec, &noopSleeper{}, nil)

	req := Request{Epoch: 1, TrackID: "t1", HostPosMs: 0, HostSampledAtMs: 20_000, NowRoomMs: 20_000}
	ok, err := c.Attempt(context.Background(), req, true)
	if err != nil || !ok {
		t.Fatalf("expected first attempt to succeed, got ok=%v err=%v", ok, err)
	}

	ok2, err2 := c.Attempt(context.Background(), req, true)
	if err2 != nil || ok2 {
		t.Fatalf("expected second attempt in same epoch to be gated, got ok=%v err=%v", ok2, err2)
	}
	if len(dec.seekCalls) != 1 {
		t.Fatalf("expected exactly one seek across both attempts, got %d", len(dec.seekCalls))
	}
}

func TestMinRetryIntervalBlocksRapidRetry(t *testing.T) {
	clock := &fakeClock{now: 0}
	dec := &fakeDecoder{seekErr: errors.New("boom")}
	c := New(clock, dec, &noopSleeper{}, nil)

	fakeNow := time.UnixMilli(0)
	c.SetNowFunc(func() time.Time { return fakeNow })

	// First attempt fails (seek error), but lastAttempt/hasAttempted are
	// still recorded, so a rapid retry in a *different* epoch is still
	// blocked by the min-retry-interval gate.
	_, err := c.Attempt(context.Background(), Request{Epoch: 1, TrackID: "t1"}, true)
	if err == nil {
		t.Fatal("expected seek error to propagate")
	}

	dec.seekErr = nil
	ok, err2 := c.Attempt(context.Background(), Request{Epoch: 2, TrackID: "t1"}, true)
	if err2 != nil {
		t.Fatalf("unexpected error: %v", err2)
	}
	if ok {
		t.Fatal("expected retry within MinRetryInterval to be gated even across epochs")
	}

	fakeNow = fakeNow.Add(MinRetryInterval + time.Millisecond)
	ok3, err3 := c.Attempt(context.Background(), Request{Epoch: 2, TrackID: "t1"}, true)
	if err3 != nil || !ok3 {
		t.Fatalf("expected attempt to succeed after retry interval elapses, got ok=%v err=%v", ok3, err3)
	}
}

func TestPlayingFalseToTrueTransitionClearsEpochGate(t *testing.T) {
	clock := &fakeClock{now: 0}
	dec := &fakeDecoder{}
	c := New(clock, dec, &noopSleeper{}, nil)
	fakeNow := time.UnixMilli(0)
	c.SetNowFunc(func() time.Time { return fakeNow })

	req := Request{Epoch: 1, TrackID: "t1"}
	c.Attempt(context.Background(), req, true)

	c.OnPlayingTransition(false)
	fakeNow = fakeNow.Add(MinRetryInterval + time.Millisecond)
	c.OnPlayingTransition(true) // re-play within same epoch should re-enable catchup

	ok, err := c.Attempt(context.Background(), req, true)
	if err != nil || !ok {
		t.Fatalf("expected catchup to re-run after replay transition, got ok=%v err=%v", ok, err)
	}
}

func TestLoadErrorPropagatesAndSkipsSeekAndPlay(t *testing.T) {
	clock := &fakeClock{now: 0}
	dec := &fakeDecoder{loadErr: errors.New("boom")}
	c := New(clock, dec, &noopSleeper{}, nil)

	ok, err := c.Attempt(context.Background(), Request{Epoch: 1, TrackID: "t1"}, false)
	if err == nil || ok {
		t.Fatalf("expected load error to abort attempt, got ok=%v err=%v", ok, err)
	}
	if len(dec.seekCalls) != 0 || dec.playCalls != 0 {
		t.Fatal("expected seek/play to be skipped after load failure")
	}
}
