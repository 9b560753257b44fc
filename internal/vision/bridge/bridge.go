// Package bridge connects a vision receiver to the normalizer and the
// websocket feed, and serves the status endpoints.
package bridge

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/sslvision/internal/monitoring"
	"github.com/banshee-data/sslvision/internal/vision"
	"github.com/banshee-data/sslvision/internal/vision/network"
)

var logf = monitoring.Component("bridge")

// FrameSource is the read side of a network.Receiver.
type FrameSource interface {
	CurrentFrame() *vision.RawFrame
	Geometry() *vision.Geometry
	Stats() network.ReceiverStats
}

// Publisher receives every normalized frame.
type Publisher interface {
	Publish(frame *vision.NormalizedFrame)
}

// Settings are the normalization parameters. They may be replaced at any
// time with Update.
type Settings struct {
	Side         vision.TeamSide
	KeepLastBall bool

	// Field is used when FieldFromConfig is set or no geometry packet has
	// been received yet.
	Field           vision.FieldSize
	FieldFromConfig bool
}

// Bridge normalizes each new detection frame of a FrameSource and hands it
// to a Publisher. OnFrame must be called from a single goroutine, normally
// as the receiver callback.
type Bridge struct {
	src       FrameSource
	pub       Publisher
	settings  atomic.Pointer[Settings]
	forwarder *network.PacketForwarder

	lastRaw    *vision.RawFrame // touched only by OnFrame
	normalized atomic.Pointer[vision.NormalizedFrame]

	frames       atomic.Uint64
	normalizeErr atomic.Uint64
	errOnce      sync.Once
}

// New creates a bridge. pub may be nil when frames are only served over
// HTTP. forwarder is optional and only reported in the status.
func New(src FrameSource, pub Publisher, settings Settings, forwarder *network.PacketForwarder) *Bridge {
	b := &Bridge{src: src, pub: pub, forwarder: forwarder}
	b.Update(settings)
	return b
}

// Update replaces the normalization settings. The next frame uses them.
func (b *Bridge) Update(settings Settings) {
	s := settings
	b.settings.Store(&s)
}

// Settings returns the settings in effect.
func (b *Bridge) Settings() Settings {
	return *b.settings.Load()
}

// FieldSize returns the field dimensions used for the next frame.
func (b *Bridge) FieldSize() vision.FieldSize {
	s := b.settings.Load()
	if s.FieldFromConfig {
		return s.Field
	}
	if g := b.src.Geometry(); g != nil && g.Field != nil {
		if size := g.Field.FieldSize(); size.Validate() == nil {
			return size
		}
	}
	return s.Field
}

// OnFrame normalizes the source's current frame if it has not been seen
// before. Packets that did not replace the current frame are ignored.
func (b *Bridge) OnFrame() {
	raw := b.src.CurrentFrame()
	if raw == nil || raw == b.lastRaw {
		return
	}
	b.lastRaw = raw

	s := b.settings.Load()
	out, err := vision.Normalize(raw, b.FieldSize(), s.Side, b.normalized.Load(), vision.NormalizeOptions{KeepLastBall: s.KeepLastBall})
	if err != nil {
		b.normalizeErr.Add(1)
		if errors.Is(err, vision.ErrNoPreviousFrame) {
			b.errOnce.Do(func() { logf("holding frames until a ball is seen: %v", err) })
		} else {
			logf("normalize frame %d: %v", raw.Detection.FrameNumber, err)
		}
		return
	}

	b.normalized.Store(out)
	b.frames.Add(1)
	if b.pub != nil {
		b.pub.Publish(out)
	}
}

// Latest returns the most recent normalized frame, or nil.
func (b *Bridge) Latest() *vision.NormalizedFrame {
	return b.normalized.Load()
}

// Status is the payload of /api/vision/status.
type Status struct {
	Receiver        network.ReceiverStats `json:"receiver"`
	TeamSide        vision.TeamSide       `json:"team_side"`
	Field           vision.FieldSize      `json:"field"`
	FieldSource     string                `json:"field_source"`
	KeepLastBall    bool                  `json:"keep_last_ball"`
	Normalized      uint64                `json:"normalized"`
	NormalizeErrors uint64                `json:"normalize_errors"`
	Forward         *ForwardStatus        `json:"forward,omitempty"`
	Version         string                `json:"version"`
	GitSHA          string                `json:"git_sha"`
}

// ForwardStatus reports the datagram relay counters.
type ForwardStatus struct {
	Address   string `json:"address"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (b *Bridge) fieldSource() string {
	s := b.settings.Load()
	if s.FieldFromConfig {
		return "config"
	}
	if g := b.src.Geometry(); g != nil && g.Field != nil && g.Field.FieldSize().Validate() == nil {
		return "geometry"
	}
	return "default"
}
