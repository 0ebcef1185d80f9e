package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/mediadevices"

	"github.com/ringline/ringline/internal/domain"
)

// emptyStream satisfies mediadevices.MediaStream without any devices.
type emptyStream struct{}

func (emptyStream) GetAudioTracks() []mediadevices.Track { return nil }
func (emptyStream) GetVideoTracks() []mediadevices.Track { return nil }
func (emptyStream) GetTracks() []mediadevices.Track      { return nil }
func (emptyStream) AddTrack(mediadevices.Track)          {}
func (emptyStream) RemoveTrack(mediadevices.Track)       {}

// attempt records whether one capture call asked for video.
type attempt struct {
	video bool
}

func recordingAcquirer(succeedAt int) (*Acquirer, *[]attempt) {
	attempts := &[]attempt{}
	a := &Acquirer{
		capture: func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
			*attempts = append(*attempts, attempt{video: c.Video != nil})
			if len(*attempts) == succeedAt {
				return emptyStream{}, nil
			}
			return nil, errors.New("device busy")
		},
	}
	return a, attempts
}

func TestAcquireFallsThroughTiers(t *testing.T) {
	a, attempts := recordingAcquirer(3)

	h, err := a.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Tier() != "loose" {
		t.Fatalf("tier %q, want loose", h.Tier())
	}
	if len(*attempts) != 3 {
		t.Fatalf("made %d attempts, want 3", len(*attempts))
	}
	for i, at := range *attempts {
		if !at.video {
			t.Fatalf("attempt %d dropped video before the audio-only tier", i)
		}
	}
}

func TestAcquireDegradesToAudioOnly(t *testing.T) {
	a, attempts := recordingAcquirer(4)

	h, err := a.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Tier() != "audio-only" {
		t.Fatalf("tier %q, want audio-only", h.Tier())
	}
	if h.HasVideo() {
		t.Fatal("audio-only handle claims video")
	}
	if last := (*attempts)[len(*attempts)-1]; last.video {
		t.Fatal("final tier should not request video")
	}
}

func TestAcquireAllTiersFail(t *testing.T) {
	a, attempts := recordingAcquirer(0)

	if _, err := a.Acquire(context.Background(), true); !errors.Is(err, ErrNoMedia) {
		t.Fatalf("expected ErrNoMedia, got %v", err)
	}
	if len(*attempts) != 4 {
		t.Fatalf("made %d attempts, want the full ladder of 4", len(*attempts))
	}
}

func TestAcquireAudioRequest(t *testing.T) {
	a, attempts := recordingAcquirer(1)

	h, err := a.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.HasVideo() {
		t.Fatal("audio request produced video")
	}
	if len(*attempts) != 1 || (*attempts)[0].video {
		t.Fatalf("audio request should try one audio-only tier, got %v", *attempts)
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	a, attempts := recordingAcquirer(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Acquire(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(*attempts) != 0 {
		t.Fatal("canceled acquire should not touch devices")
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	a := &Acquirer{
		capture: func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
			return emptyStream{}, nil
		},
	}

	h1, err := a.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	h1.Release()

	h2, err := a.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h2 == h1 {
		t.Fatal("released handle was handed out again")
	}
	if h2.Released() {
		t.Fatal("fresh handle inherited released state")
	}
	if !h1.Released() {
		t.Fatal("re-acquiring revived the old handle")
	}
}

func TestHandleReleaseOnce(t *testing.T) {
	h := newHandle(emptyStream{}, false, "audio-only")
	if h.Released() {
		t.Fatal("fresh handle reports released")
	}
	h.Release()
	h.Release()
	if !h.Released() {
		t.Fatal("handle not marked released")
	}
}

func TestHandleToggle(t *testing.T) {
	h := newHandle(emptyStream{}, true, "hd")

	if !h.Enabled(domain.MediaAudio) || !h.Enabled(domain.MediaVideo) {
		t.Fatal("tracks should start enabled")
	}
	if on := h.Toggle(domain.MediaAudio, nil); on {
		t.Fatal("flip from enabled should mute")
	}
	if h.Enabled(domain.MediaAudio) {
		t.Fatal("audio still enabled after mute")
	}
	if h.Enabled(domain.MediaVideo) {
		t.Fatal("muting audio must not touch video")
	}

	on := true
	if got := h.Toggle(domain.MediaAudio, &on); !got {
		t.Fatal("explicit enable failed")
	}
	off := false
	if got := h.Toggle(domain.MediaVideo, &off); got {
		t.Fatal("explicit disable failed")
	}
}
