package clocksync

import (
	"testing"
	"time"

	"github.com/rustyguts/roomsync/internal/roomclock"
)

type fakeSender struct {
	sent []struct {
		seq uint64
		t0  int64
	}
}

func (f *fakeSender) SendPing(seq uint64, t0Ms int64) error {
	f.sent = append(f.sent, struct {
		seq uint64
		t0  int64
	}{seq, t0Ms})
	return nil
}

func TestTickSendsPingAndOnPongFeedsClock(t *testing.T) {
	clock := roomclock.New(roomclock.NewDefaultConfig(), nil)
	sender := &fakeSender{}
	sync := New(clock, sender, nil)

	fakeNow := time.UnixMilli(1_000_000)
	sync.SetNowFunc(func() time.Time { return fakeNow })

	sync.Tick()
	if len(sender.sent) != 1 || sender.sent[0].seq != 1 {
		t.Fatalf("expected one ping seq=1, got %+v", sender.sent)
	}

	fakeNow = fakeNow.Add(20 * time.Millisecond)
	sync.OnPong(1, 1_000_000, 1_000_010)

	if clock.SampleCount() != 1 {
		t.Fatalf("expected clock to receive one sample, got %d", clock.SampleCount())
	}
}

func TestPongForExpiredPingIsIgnored(t *testing.T) {
	clock := roomclock.New(roomclock.NewDefaultConfig(), nil)
	sender := &fakeSender{}
	sync := New(clock, sender, nil)

	fakeNow := time.UnixMilli(0)
	sync.SetNowFunc(func() time.Time { return fakeNow })
	sync.Tick() // seq 1

	fakeNow = fakeNow.Add(PongTimeout + time.Second)
	sync.Tick() // seq 2; expires seq 1 first

	if sync.PendingCount() != 1 {
		t.Fatalf("expected only seq 2 pending, got %d", sync.PendingCount())
	}

	sync.OnPong(1, 0, 0)
	if clock.SampleCount() != 0 {
		t.Fatal("pong for expired ping must not reach the clock")
	}
}

func TestCadenceTransitions(t *testing.T) {
	clock := roomclock.New(roomclock.NewDefaultConfig(), nil)
	sync := New(clock, &fakeSender{}, nil)

	if sync.CurrentInterval() != NormalInterval {
		t.Fatalf("expected normal interval by default")
	}

	sync.EnterBackground()
	if sync.CurrentInterval() != BackgroundInterval {
		t.Fatalf("expected background interval")
	}

	sync.EnterForeground()
	if sync.CurrentInterval() != FastRecoveryInterval {
		t.Fatalf("expected fast recovery interval")
	}
	for i := 0; i < FastRecoveryCount; i++ {
		sync.Tick()
	}
	if sync.CurrentInterval() != NormalInterval {
		t.Fatalf("expected normal interval after %d fast recovery ticks", FastRecoveryCount)
	}
}
