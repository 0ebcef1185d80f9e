package endpoint

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/domain"
)

// ErrUnexpectedAnswer is returned when an answer arrives while the
// negotiation state does not expect one. Expected under duplicate
// delivery; callers log and drop it.
var ErrUnexpectedAnswer = errors.New("answer in unexpected negotiation state")

// TrackSource is implemented by media handles that can expose their
// capture tracks for attachment.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// WebRTCConfig builds a pion configuration from plain STUN/TURN URLs.
func WebRTCConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

type webrtcPeer struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	outbound []outboundTrack
}

// outboundTrack pairs a local capture track with the RTP sender it was
// attached through, so the track can be swapped out for mute.
type outboundTrack struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// NewPeerFactory returns a PeerFactory backed by pion. The factory
// attaches the handle's local tracks before any negotiation happens so
// the first offer or answer already describes them.
func NewPeerFactory(cfg webrtc.Configuration) PeerFactory {
	return func(handle MediaHandle, events PeerEvents) (PeerConn, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		peer := &webrtcPeer{pc: pc}
		if src, ok := handle.(TrackSource); ok && handle != nil {
			for _, t := range src.Tracks() {
				sender, err := pc.AddTrack(t)
				if err != nil {
					log.Warn().Err(err).Str("module", "webrtc").Str("track", t.ID()).Msg("add local track")
					continue
				}
				peer.outbound = append(peer.outbound, outboundTrack{sender: sender, track: t})
			}
			// A kind muted before the connection existed stays muted.
			for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
				if !handle.Enabled(kind) {
					if err := peer.SetTrackEnabled(kind, false); err != nil {
						log.Warn().Err(err).Str("module", "webrtc").Str("kind", string(kind)).Msg("apply mute state")
					}
				}
			}
		}

		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if cand != nil && events.OnCandidate != nil {
				events.OnCandidate(candidateFromPion(cand.ToJSON()))
			}
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			log.Info().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("peer state")
			switch s {
			case webrtc.PeerConnectionStateConnected:
				if events.OnConnected != nil {
					events.OnConnected()
				}
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
				if events.OnFailed != nil {
					events.OnFailed()
				}
			}
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			log.Info().
				Str("module", "webrtc").
				Str("kind", track.Kind().String()).
				Str("track_id", track.ID()).
				Str("stream_id", track.StreamID()).
				Msg("remote track received")
			if events.OnConnected != nil {
				events.OnConnected()
			}
		})

		return peer, nil
	}
}

// SetTrackEnabled gates outgoing media of one kind by swapping the
// capture track in or out of its RTP sender. ReplaceTrack(nil) keeps
// the sender and its negotiated transceiver alive, so re-enabling
// needs no renegotiation.
func (p *webrtcPeer) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	codec := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codec = webrtc.RTPCodecTypeVideo
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, o := range p.outbound {
		if o.track.Kind() != codec {
			continue
		}
		next := o.track
		if !enabled {
			next = nil
		}
		if err := o.sender.ReplaceTrack(next); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *webrtcPeer) CreateOffer() (domain.SDP, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDP{}, fmt.Errorf("set local offer: %w", err)
	}
	return domain.SDP{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *webrtcPeer) AcceptOffer(offer domain.SDP) (domain.SDP, error) {
	desc, err := sdpToPion(offer)
	if err != nil {
		return domain.SDP{}, err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return domain.SDP{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDP{}, fmt.Errorf("set local answer: %w", err)
	}
	return domain.SDP{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *webrtcPeer) AcceptAnswer(answer domain.SDP) error {
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrUnexpectedAnswer
	}
	desc, err := sdpToPion(answer)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *webrtcPeer) AddCandidate(c domain.Candidate) error {
	return p.pc.AddICECandidate(candidateToPion(c))
}

func (p *webrtcPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *webrtcPeer) Close() {
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
	}
}

func sdpToPion(s domain.SDP) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
