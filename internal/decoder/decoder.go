// Package decoder defines the audio decoder/player contract that the
// catch-up and KeepSync controllers drive (spec §4.4/§4.5, external
// collaborator), plus an in-memory reference implementation used by tests
// and the CLI demo mode.
package decoder

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decoder is the playback contract every platform-specific player must
// implement: load a track, seek within it, play/pause, change playback
// rate, and report current position/duration. All methods must be safe to
// call from the facade's single-threaded event loop; no method blocks
// indefinitely.
type Decoder interface {
	Load(ctx context.Context, trackID string) error
	Seek(ctx context.Context, posMs int64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SetSpeed(ctx context.Context, speed float64) error
	PositionMs() int64
	DurationMs() int64
	IsPlaying() bool
}

// Catalog resolves a trackID to playable bytes' duration, for the reference
// decoder. Production decoders resolve this from the downloaded file
// header instead.
type Catalog interface {
	DurationMs(trackID string) (int64, error)
}

type staticCatalog map[string]int64

func (c staticCatalog) DurationMs(trackID string) (int64, error) {
	d, ok := c[trackID]
	if !ok {
		return 0, fmt.Errorf("decoder: unknown track %q", trackID)
	}
	return d, nil
}

// NewStaticCatalog builds a Catalog from a fixed trackID->duration map, for
// tests and the CLI demo.
func NewStaticCatalog(durations map[string]int64) Catalog {
	c := make(staticCatalog, len(durations))
	for k, v := range durations {
		c[k] = v
	}
	return c
}

// Reference is an in-memory Decoder that simulates real-time position
// advance without touching any actual audio hardware. It is the decoder
// used by unit tests and the CLI's headless demo mode.
type Reference struct {
	catalog Catalog
	nowFn   func() time.Time

	mu          sync.Mutex
	trackID     string
	durationMs  int64
	playing     bool
	speed       float64
	basePosMs   int64
	baseAt      time.Time
}

// NewReference creates a Reference decoder backed by catalog.
func NewReference(catalog Catalog) *Reference {
	return &Reference{catalog: catalog, nowFn: time.Now, speed: 1.0}
}

// SetNowFunc overrides the wall-clock source, for tests.
func (r *Reference) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = fn
}

func (r *Reference) Load(ctx context.Context, trackID string) error {
	dur, err := r.catalog.DurationMs(trackID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackID = trackID
	r.durationMs = dur
	r.playing = false
	r.speed = 1.0
	r.basePosMs = 0
	r.baseAt = r.nowFn()
	return nil
}

func (r *Reference) Seek(ctx context.Context, posMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if posMs < 0 {
		posMs = 0
	}
	if r.durationMs > 0 && posMs > r.durationMs {
		posMs = r.durationMs
	}
	r.basePosMs = posMs
	r.baseAt = r.nowFn()
	return nil
}

func (r *Reference) Play(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.basePosMs = r.positionLocked()
	r.baseAt = r.nowFn()
	r.playing = true
	return nil
}

func (r *Reference) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.basePosMs = r.positionLocked()
	r.baseAt = r.nowFn()
	r.playing = false
	return nil
}

func (r *Reference) SetSpeed(ctx context.Context, speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("decoder: speed must be positive, got %f", speed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.basePosMs = r.positionLocked()
	r.baseAt = r.nowFn()
	r.speed = speed
	return nil
}

func (r *Reference) PositionMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionLocked()
}

func (r *Reference) positionLocked() int64 {
	if !r.playing {
		return r.basePosMs
	}
	elapsed := r.nowFn().Sub(r.baseAt)
	pos := r.basePosMs + int64(float64(elapsed.Milliseconds())*r.speed)
	if r.durationMs > 0 && pos > r.durationMs {
		return r.durationMs
	}
	return pos
}

func (r *Reference) DurationMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durationMs
}

func (r *Reference) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}
