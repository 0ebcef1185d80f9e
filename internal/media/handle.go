// Package media acquires and owns local capture tracks for one call
// attempt at a time.
package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/domain"
)

// Handle is the owned set of local capture tracks for one call
// attempt. It belongs to exactly one call session and is released
// exactly once at the session's terminal transition.
type Handle struct {
	stream   mediadevices.MediaStream
	hasVideo bool
	tier     string

	mu       sync.Mutex
	disabled map[webrtc.RTPCodecType]bool

	releaseOnce sync.Once
	released    bool
}

func newHandle(stream mediadevices.MediaStream, hasVideo bool, tier string) *Handle {
	return &Handle{
		stream:   stream,
		hasVideo: hasVideo,
		tier:     tier,
		disabled: make(map[webrtc.RTPCodecType]bool),
	}
}

// HasVideo reports whether the handle actually carries a video track.
// A video request may have degraded to audio-only.
func (h *Handle) HasVideo() bool { return h.hasVideo }

// Tier names the capture tier that succeeded.
func (h *Handle) Tier() string { return h.tier }

// Tracks returns the capture tracks for attachment to a peer
// connection.
func (h *Handle) Tracks() []webrtc.TrackLocal {
	tracks := h.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// Release stops all tracks. Safe to call more than once; only the
// first call does anything.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		for _, t := range h.stream.GetTracks() {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("track close")
			}
		}
		log.Info().Str("module", "media").Str("tier", h.tier).Msg("handle released")
	})
}

// Released reports whether the tracks have been stopped.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Toggle flips (set == nil) or sets the enabled state of all tracks of
// the given kind and returns the resulting state. Used for mute and
// camera-off without renegotiation; peer adapters mirror this state
// onto their RTP senders, and consult it when attaching tracks.
func (h *Handle) Toggle(kind domain.MediaKind, set *bool) bool {
	codec := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codec = webrtc.RTPCodecTypeVideo
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if set != nil {
		h.disabled[codec] = !*set
	} else {
		h.disabled[codec] = !h.disabled[codec]
	}
	return !h.disabled[codec]
}

// Enabled reports the current enabled state for a track kind.
func (h *Handle) Enabled(kind domain.MediaKind) bool {
	codec := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codec = webrtc.RTPCodecTypeVideo
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.disabled[codec]
}
