package facade

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rustyguts/roomsync/internal/catchup"
	"github.com/rustyguts/roomsync/internal/clocksync"
	"github.com/rustyguts/roomsync/internal/decoder"
	"github.com/rustyguts/roomsync/internal/fileserver"
	"github.com/rustyguts/roomsync/internal/futurestart"
	"github.com/rustyguts/roomsync/internal/keepsync"
	"github.com/rustyguts/roomsync/internal/metrics"
	"github.com/rustyguts/roomsync/internal/roomclock"
	"github.com/rustyguts/roomsync/internal/wire"
)

// ClientSender is the subset of transport.Client the facade needs.
type ClientSender interface {
	Send(msg wire.Message) error
}

// seekEchoHoldDuration is how long (or until decoder position reaches target±300ms)
// host_state inputs are ignored after the Client executes its own seek,
// per spec §4.7's seek-echo suppression.
const (
	seekEchoHoldDuration = 800 * time.Millisecond
	seekEchoToleranceMs  = 300
)

// Protection-mode clamps, per spec §4.6: while the tracker reports
// protection mode, KeepSync corrections are restrained to avoid
// compounding an already-degraded sync signal.
const (
	protectionMinSpeed       = 0.985
	protectionMaxSpeed       = 1.015
	protectionSeekSuppressMs = 2000
)

// ClientFacade runs the Client side: clock sync, future-start, catch-up,
// KeepSync, and protection metrics, all driven by messages received from
// the Host (spec §2's Client data flow).
type ClientFacade struct {
	log    *slog.Logger
	sender ClientSender

	peerID  string
	roomID  string

	clock      *roomclock.Clock
	sync       *clocksync.Synchronizer
	scheduler  *futurestart.Scheduler
	catchupCtl *catchup.Controller
	keepState  *keepsync.State
	keepCfg    keepsync.Config
	tracker    *metrics.Tracker
	dec        decoder.Decoder
	downloader *fileserver.Downloader

	mu sync.Mutex

	trackID    string
	trackURL   string
	trackHash  string
	fileName   string
	durationMs int64
	trackReady bool

	isPlaying       bool
	hostEpoch       uint64
	latencyCompMs   int64

	seekEchoUntil    time.Time
	hasSeekEcho      bool
	seekEchoTargetMs int64
}

// ClientDeps bundles the collaborators a ClientFacade binds.
type ClientDeps struct {
	Sender        ClientSender
	Decoder       decoder.Decoder
	Downloader    *fileserver.Downloader
	KeepSync      keepsync.Config
	LatencyCompMs int64
	Log           *slog.Logger
}

// NewClientFacade creates a ClientFacade for peerID joining roomID.
func NewClientFacade(roomID, peerID string, deps ClientDeps) *ClientFacade {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	clock := roomclock.New(roomclock.NewDefaultConfig(), log)

	c := &ClientFacade{
		log:        log,
		sender:     deps.Sender,
		peerID:     peerID,
		roomID:     roomID,
		clock:      clock,
		catchupCtl: catchup.New(clock, deps.Decoder, nil, log),
		keepState:  keepsync.NewState(),
		keepCfg:    deps.KeepSync,
		tracker:    metrics.New(),
		dec:        deps.Decoder,
		downloader: deps.Downloader,
	}
	c.latencyCompMs = deps.LatencyCompMs
	c.sync = clocksync.New(clock, c, log)
	c.scheduler = futurestart.New(clock, nil, log)
	return c
}

// SendPing implements clocksync.Sender by wrapping a ping message send.
func (c *ClientFacade) SendPing(seq uint64, t0Ms int64) error {
	return c.sender.Send(wire.Message{Type: wire.TypePing, Seq: seq, T0ClientMs: t0Ms})
}

// Hello sends the initial handshake message.
func (c *ClientFacade) Hello(protoVer int, device *wire.DeviceInfo) error {
	return c.sender.Send(wire.Message{
		Type: wire.TypeHello, ProtoVer: protoVer, RoomID: c.roomID,
		PeerID: c.peerID, Role: wire.RoleClient, DeviceInfo: device,
	})
}

// RunClockSync drives the Synchronizer's Tick loop until ctx is cancelled.
func (c *ClientFacade) RunClockSync(ctx context.Context) {
	for {
		d := c.sync.CurrentInterval()
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			c.sync.Tick()
		}
	}
}

// OnMessage dispatches one message received from the Host.
func (c *ClientFacade) OnMessage(ctx context.Context, msg wire.Message) {
	switch msg.Type {
	case wire.TypePong:
		c.sync.OnPong(msg.Seq, msg.T0ClientMs, msg.T1ServerMs)
	case wire.TypeTrackAnnounce:
		c.handleTrackAnnounce(ctx, msg)
	case wire.TypeStartAt:
		c.handleStartAt(msg)
	case wire.TypeHostState:
		c.handleHostState(msg)
	case wire.TypePeerJoin, wire.TypePeerLeave, wire.TypeWelcome:
		c.log.Debug("client: roster/session event", "type", msg.Type, "peerId", msg.PeerID)
	default:
		c.log.Debug("client: unhandled message", "type", msg.Type)
	}
}

func (c *ClientFacade) handleTrackAnnounce(ctx context.Context, msg wire.Message) {
	c.mu.Lock()
	c.trackID, c.trackURL, c.trackHash = msg.TrackID, msg.URL, msg.FileHash
	c.fileName, c.durationMs = msg.FileName, msg.DurationMs
	c.trackReady = false
	c.mu.Unlock()

	start := time.Now()
	localPath, err := c.downloader.Download(ctx, msg.URL, msg.FileName, msg.FileHash)
	if err != nil {
		c.log.Warn("track download failed", "track", msg.TrackID, "err", err)
		_ = c.sender.Send(wire.Message{
			Type: wire.TypeClientReadyError, TrackID: msg.TrackID,
			ErrorCode: classifyDownloadError(err), ErrorMessage: err.Error(),
		})
		return
	}

	if err := c.dec.Load(ctx, msg.TrackID); err != nil {
		c.log.Warn("track load failed", "track", msg.TrackID, "err", err)
		_ = c.sender.Send(wire.Message{
			Type: wire.TypeClientReadyError, TrackID: msg.TrackID,
			ErrorCode: wire.ErrUnknown, ErrorMessage: err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.trackReady = true
	c.mu.Unlock()

	_ = c.sender.Send(wire.Message{
		Type: wire.TypeClientReady, TrackID: msg.TrackID, Cached: true,
		LocalPath: localPath, PrepareMs: time.Since(start).Milliseconds(),
	})
}

func classifyDownloadError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "hash_mismatch"):
		return wire.ErrHashMismatch
	case strings.Contains(msg, "http_4xx"):
		return wire.ErrHTTP4xx
	case strings.Contains(msg, "download_failed"):
		return wire.ErrDownloadFailed
	default:
		return wire.ErrUnknown
	}
}

func (c *ClientFacade) handleStartAt(msg wire.Message) {
	c.mu.Lock()
	trackID := c.trackID
	c.mu.Unlock()

	c.scheduler.Schedule(
		futurestart.Descriptor{
			Epoch: msg.Epoch, Seq: msg.Seq, TrackID: trackID,
			StartAtRoomMs: msg.StartAtRoomMs, StartPosMs: msg.StartPosMs,
		},
		func() error {
			ctx := context.Background()
			if err := c.dec.Seek(ctx, msg.StartPosMs); err != nil {
				return err
			}
			return nil
		},
		func(result futurestart.Result) {
			ctx := context.Background()
			_ = c.dec.Play(ctx)
			_ = c.sender.Send(wire.Message{
				Type: wire.TypeClientStartReport, PeerID: c.peerID,
				Epoch: result.Descriptor.Epoch, Seq: result.Descriptor.Seq,
				ActualStartRoomMs: result.ActualStartRoomMs, StartErrorMs: result.StartErrorMs,
			})
		},
	)
}

func (c *ClientFacade) handleHostState(msg wire.Message) {
	c.mu.Lock()
	c.isPlaying = msg.IsPlaying
	c.hostEpoch = msg.Epoch
	ready := c.trackReady
	latencyComp := c.latencyCompMs
	durationMs := c.durationMs
	inSeekEcho := c.hasSeekEcho && time.Now().Before(c.seekEchoUntil) &&
		abs64(c.dec.PositionMs()-c.seekEchoTargetMs) > seekEchoToleranceMs
	c.mu.Unlock()

	c.catchupCtl.OnPlayingTransition(msg.IsPlaying)

	if !msg.IsPlaying {
		c.tracker.RecordHostStateAccepted()
		return
	}
	if !ready || !c.clock.IsLocked() {
		c.tracker.RecordHostStateDropped()
		return
	}

	nowRoom := c.clock.RoomNow(time.Now())
	req := catchup.Request{
		Epoch: msg.Epoch, TrackID: c.currentTrackID(), HostPosMs: msg.HostPosMs,
		HostSampledAtMs: msg.SampledAtRoomMs, LatencyCompMs: latencyComp,
		DurationMs: durationMs, NowRoomMs: nowRoom,
	}
	if c.catchupCtl.Eligible(req) {
		ctx := context.Background()
		if _, err := c.catchupCtl.Attempt(ctx, req, true); err != nil {
			c.log.Warn("catchup attempt failed", "err", err)
		}
		return
	}

	if inSeekEcho {
		return
	}

	in := keepsync.Input{
		IsPlaying: msg.IsPlaying, Epoch: msg.Epoch, TrackID: c.currentTrackID(),
		HostPosMs: msg.HostPosMs, SampledAtRoomMs: msg.SampledAtRoomMs,
		RoomNowMs: nowRoom, ClientPosMs: c.dec.PositionMs(), DurationMs: durationMs,
		LatencyCompMs: latencyComp, IsClockLocked: c.clock.IsLocked(),
		JitterMs: c.clock.Jitter(), RTTMs: c.clock.RTT(), NowWallMs: time.Now().UnixMilli(),
	}
	action := keepsync.Evaluate(c.keepState, in, c.keepCfg)
	c.executeKeepSyncAction(action)

	errMs := math.Abs(float64(msg.HostPosMs + (nowRoom - msg.SampledAtRoomMs) - latencyComp - c.dec.PositionMs()))
	c.tracker.RecordSample(errMs)
	c.tracker.RecordHostStateAccepted()
}

func (c *ClientFacade) currentTrackID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackID
}

func (c *ClientFacade) executeKeepSyncAction(action keepsync.Action) {
	ctx := context.Background()
	inProtection := c.tracker.InProtectionMode()

	switch action.Kind {
	case keepsync.ActionSeek:
		delta := action.SeekToMs - c.dec.PositionMs()
		if inProtection && abs64(delta) < protectionSeekSuppressMs {
			c.log.Debug("keepsync seek suppressed by protection mode", "deltaMs", delta)
			return
		}
		if err := c.dec.Seek(ctx, action.SeekToMs); err != nil {
			c.log.Warn("keepsync seek failed", "err", err)
			return
		}
		c.mu.Lock()
		c.hasSeekEcho = true
		c.seekEchoUntil = time.Now().Add(seekEchoHoldDuration)
		c.seekEchoTargetMs = action.SeekToMs
		c.mu.Unlock()
		c.tracker.RecordSeek()
	case keepsync.ActionSetSpeed:
		speed := action.SpeedCmd
		if inProtection {
			speed = clampSpeed(speed, protectionMinSpeed, protectionMaxSpeed)
		}
		if err := c.dec.SetSpeed(ctx, speed); err != nil {
			c.log.Warn("keepsync setSpeed failed", "err", err)
			return
		}
		c.tracker.RecordSpeedSet()
	}
}

func clampSpeed(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
