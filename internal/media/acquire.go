package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera capture driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone capture driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

// ErrNoMedia means no capture tier succeeded at all. Callers treat it
// as degradation, not failure: a call can proceed with no local tracks.
var ErrNoMedia = errors.New("no capture tier succeeded")

type captureFunc func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

// Acquirer captures local audio/video with graceful constraint
// degradation.
type Acquirer struct {
	capture  captureFunc
	selector *mediadevices.CodecSelector
}

func NewAcquirer() (*Acquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &Acquirer{
		capture:  mediadevices.GetUserMedia,
		selector: selector,
	}, nil
}

// CodecSelector exposes the configured codecs so peer connections can
// populate their media engine with the same set.
func (a *Acquirer) CodecSelector() *mediadevices.CodecSelector { return a.selector }

func audioConstraint(c *mediadevices.MediaTrackConstraints) {
	c.SampleRate = prop.Int(48000)
	c.ChannelCount = prop.Int(1)
	c.Latency = prop.Duration(20 * time.Millisecond)
}

func videoConstraint(width, height int) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		c.Width = prop.Int(width)
		c.Height = prop.Int(height)
		c.FrameRate = prop.Float(30)
	}
}

// tier is one capability descriptor in the degradation ladder.
type tier struct {
	name  string
	video bool
	audio func(*mediadevices.MediaTrackConstraints)
	vid   func(*mediadevices.MediaTrackConstraints)
}

var videoTiers = []tier{
	{name: "hd", video: true, audio: audioConstraint, vid: videoConstraint(1280, 720)},
	{name: "sd", video: true, audio: audioConstraint, vid: videoConstraint(640, 480)},
	{name: "loose", video: true, audio: audioConstraint, vid: func(*mediadevices.MediaTrackConstraints) {}},
	{name: "audio-only", video: false, audio: audioConstraint},
}

var audioTiers = []tier{
	{name: "audio-only", video: false, audio: audioConstraint},
}

// Acquire tries capture tiers in descending quality order and returns
// the first that succeeds. For video requests the ladder bottoms out
// at audio-only, so the returned handle must be checked with
// HasVideo. All tiers failing yields ErrNoMedia.
func (a *Acquirer) Acquire(ctx context.Context, wantsVideo bool) (*Handle, error) {
	tiers := audioTiers
	if wantsVideo {
		tiers = videoTiers
	}

	for _, t := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{
			Audio: t.audio,
			Codec: a.selector,
		}
		if t.video {
			constraints.Video = t.vid
		}

		stream, err := a.capture(constraints)
		if err != nil {
			log.Debug().Err(err).Str("module", "media").Str("tier", t.name).Msg("capture tier failed")
			continue
		}

		hasVideo := t.video && len(stream.GetVideoTracks()) > 0
		log.Info().Str("module", "media").Str("tier", t.name).Bool("has_video", hasVideo).Msg("capture acquired")
		return newHandle(stream, hasVideo, t.name), nil
	}
	return nil, ErrNoMedia
}
