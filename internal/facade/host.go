// Package facade binds the Room Clock, Clock Synchronizer, Future-Start
// Scheduler, Catch-Up Controller, KeepSync Controller, and Metrics/
// Protection tracker (C2-C7) to the message transport and decoder, and owns
// role, epoch, and peer-roster state (spec §4.7, C8). HostFacade and
// ClientFacade are the two concrete roles; each binds only the components
// its side of the protocol actually runs (spec §2's data-flow split).
package facade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rustyguts/roomsync/internal/decoder"
	"github.com/rustyguts/roomsync/internal/roomclock"
	"github.com/rustyguts/roomsync/internal/wire"
)

// HostStateInterval is the cadence of the Host's host_state broadcast.
const HostStateInterval = 200 * time.Millisecond

// Sender is the subset of transport.Host the facade needs, kept narrow so
// it can be faked in tests.
type Sender interface {
	Send(id PeerID, msg wire.Message) error
	Broadcast(msg wire.Message)
}

// PeerID mirrors transport.PeerID without importing the transport package,
// keeping facade decoupled from the concrete transport implementation.
type PeerID string

// peer is one connected Client's roster entry, the thin peer-roster
// generalized from a chat-room session list (spec §4.7/DESIGN.md) down to
// exactly what sync needs: identity and readiness.
type peer struct {
	peerID  string
	role    wire.Role
	ready   bool
}

// HostFacade runs the Host side: it owns the room's epoch, broadcasts
// host_state on a fixed cadence, and unicasts track_announce to new joiners
// (spec §4.7). The Host does not run C2/C3/C5/C6.
type HostFacade struct {
	log       *slog.Logger
	sender    Sender
	decoder   decoder.Decoder
	roomClock *roomclock.Clock

	roomID  string
	hostID  string
	trackID string
	url     string
	fileHash string
	sizeBytes  int64
	durationMs int64
	fileName   string

	mu    sync.Mutex
	peers map[PeerID]*peer

	cancelBroadcast context.CancelFunc
}

// NewHostFacade creates a HostFacade for roomID, identified as hostID.
func NewHostFacade(roomID, hostID string, dec decoder.Decoder, clock *roomclock.Clock, sender Sender, log *slog.Logger) *HostFacade {
	if log == nil {
		log = slog.Default()
	}
	return &HostFacade{
		log:       log,
		sender:    sender,
		decoder:   dec,
		roomClock: clock,
		roomID:    roomID,
		hostID:    hostID,
		peers:     make(map[PeerID]*peer),
	}
}

// PublishTrack sets the currently playing track's metadata, broadcast to
// all connected peers and sent to every future joiner.
func (h *HostFacade) PublishTrack(trackID, url, fileHash string, sizeBytes, durationMs int64, fileName string) {
	h.mu.Lock()
	h.trackID, h.url, h.fileHash = trackID, url, fileHash
	h.sizeBytes, h.durationMs, h.fileName = sizeBytes, durationMs, fileName
	h.mu.Unlock()

	h.sender.Broadcast(h.trackAnnounceLocked())
}

func (h *HostFacade) trackAnnounceLocked() wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return wire.Message{
		Type:       wire.TypeTrackAnnounce,
		RoomID:     h.roomID,
		HostPeerID: h.hostID,
		TrackID:    h.trackID,
		URL:        h.url,
		FileHash:   h.fileHash,
		SizeBytes:  h.sizeBytes,
		DurationMs: h.durationMs,
		FileName:   h.fileName,
	}
}

// OnMessage dispatches one message received from peerID.
func (h *HostFacade) OnMessage(peerID PeerID, msg wire.Message) {
	switch msg.Type {
	case wire.TypeHello:
		h.handleHello(peerID, msg)
	case wire.TypePing:
		h.handlePing(peerID, msg)
	case wire.TypeClientReady:
		h.log.Info("client ready", "peer", peerID, "track", msg.TrackID, "prepareMs", msg.PrepareMs)
	case wire.TypeClientReadyError:
		h.log.Warn("client ready error", "peer", peerID, "track", msg.TrackID, "code", msg.ErrorCode, "msg", msg.ErrorMessage)
	case wire.TypeClientStartReport:
		h.log.Info("client start report", "peer", peerID, "epoch", msg.Epoch, "seq", msg.Seq, "startErrorMs", msg.StartErrorMs)
	default:
		h.log.Debug("host: unhandled message", "peer", peerID, "type", msg.Type)
	}
}

func (h *HostFacade) handleHello(peerID PeerID, msg wire.Message) {
	h.mu.Lock()
	h.peers[peerID] = &peer{peerID: msg.PeerID, role: msg.Role}
	h.mu.Unlock()

	sessionID := uuid.NewString()
	_ = h.sender.Send(peerID, wire.Message{
		Type:        wire.TypeWelcome,
		SessionID:   sessionID,
		ServerNowMs: h.roomClock.RoomNow(time.Now()),
	})
	_ = h.sender.Send(peerID, h.trackAnnounceLocked())

	h.sender.Broadcast(wire.Message{Type: wire.TypePeerJoin, PeerID: msg.PeerID, Role: msg.Role, DeviceInfo: msg.DeviceInfo})
	h.log.Info("peer joined", "peer", peerID, "role", msg.Role)
}

func (h *HostFacade) handlePing(peerID PeerID, msg wire.Message) {
	_ = h.sender.Send(peerID, wire.Message{
		Type:       wire.TypePong,
		Seq:        msg.Seq,
		T0ClientMs: msg.T0ClientMs,
		T1ServerMs: h.roomClock.RoomNow(time.Now()),
	})
}

// OnPeerDisconnect must be called by the transport when a peer's connection
// closes.
func (h *HostFacade) OnPeerDisconnect(peerID PeerID) {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	delete(h.peers, peerID)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.sender.Broadcast(wire.Message{Type: wire.TypePeerLeave, PeerID: p.peerID, Reason: "disconnected"})
}

// StartBroadcasting begins the 200ms host_state broadcast loop (spec
// §4.7). Call StopBroadcasting (or cancel ctx) to stop.
func (h *HostFacade) StartBroadcasting(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancelBroadcast = cancel
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(HostStateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.broadcastHostState()
			}
		}
	}()
}

// StopBroadcasting halts the host_state broadcast loop, per spec §4.7
// ("stops on pause/leave").
func (h *HostFacade) StopBroadcasting() {
	h.mu.Lock()
	cancel := h.cancelBroadcast
	h.cancelBroadcast = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status is a snapshot of the Host's current state, for the
// `roomhost status` CLI subcommand.
type Status struct {
	RoomID       string `json:"roomId"`
	HostID       string `json:"hostId"`
	TrackID      string `json:"trackId"`
	Epoch        uint64 `json:"epoch"`
	PeerCount    int    `json:"peerCount"`
	IsPlaying    bool   `json:"isPlaying"`
	Broadcasting bool   `json:"broadcasting"`
}

// Status reports a snapshot of the Host's current state.
func (h *HostFacade) Status() Status {
	h.mu.Lock()
	st := Status{
		RoomID:       h.roomID,
		HostID:       h.hostID,
		TrackID:      h.trackID,
		PeerCount:    len(h.peers),
		Broadcasting: h.cancelBroadcast != nil,
	}
	h.mu.Unlock()
	st.Epoch = h.roomClock.Epoch()
	st.IsPlaying = h.decoder.IsPlaying()
	return st
}

func (h *HostFacade) broadcastHostState() {
	now := time.Now()
	h.mu.Lock()
	roomID, trackID := h.roomID, h.trackID
	h.mu.Unlock()

	h.sender.Broadcast(wire.Message{
		Type:            wire.TypeHostState,
		RoomID:          roomID,
		TrackID:         trackID,
		IsPlaying:       h.decoder.IsPlaying(),
		HostPosMs:       h.decoder.PositionMs(),
		SampledAtRoomMs: h.roomClock.RoomNow(now),
		Epoch:           h.roomClock.Epoch(),
		Seq:             h.roomClock.NextSeq(),
	})
}
