// Package endpoint holds the client-resident half of the core: the
// signaling client, the per-call state machine, and the peer
// connection adapter.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/core"
	"github.com/ringline/ringline/internal/domain"
)

var (
	ErrUnknownCall       = errors.New("no such call")
	ErrInvalidTransition = errors.New("transition not valid from current state")
)

const recordTimeout = 5 * time.Second

// Signaler sends one signaling event toward the relay. Sends are
// fire-and-forget; correctness never depends on awaiting them.
type Signaler interface {
	Send(event string, v any) error
}

// MediaHandle is the owned local capture set for one call attempt.
type MediaHandle interface {
	HasVideo() bool
	Release()
	Toggle(kind domain.MediaKind, set *bool) bool
	Enabled(kind domain.MediaKind) bool
}

// MediaSource acquires local capture with graceful degradation. A nil
// handle with a nil error never happens; ErrNoMedia (or any error) is
// absorbed by the machine, not surfaced.
type MediaSource interface {
	Acquire(ctx context.Context, wantsVideo bool) (MediaHandle, error)
}

// MediaSourceFunc adapts a plain function to MediaSource.
type MediaSourceFunc func(ctx context.Context, wantsVideo bool) (MediaHandle, error)

func (f MediaSourceFunc) Acquire(ctx context.Context, wantsVideo bool) (MediaHandle, error) {
	return f(ctx, wantsVideo)
}

// PeerEvents are the callbacks a peer connection reports back into the
// machine.
type PeerEvents struct {
	OnCandidate func(domain.Candidate)
	OnConnected func()
	OnFailed    func()
}

// PeerConn is the negotiation surface of one peer connection.
type PeerConn interface {
	CreateOffer() (domain.SDP, error)
	AcceptOffer(offer domain.SDP) (domain.SDP, error)
	AcceptAnswer(answer domain.SDP) error
	AddCandidate(domain.Candidate) error
	HasRemoteDescription() bool
	SetTrackEnabled(kind domain.MediaKind, enabled bool) error
	Close()
}

// PeerFactory constructs a peer connection with the handle's local
// tracks already attached. Construction is deferred until the call has
// a known remote party: the caller builds inside the accepted handler,
// the receiver inside the offer handler.
type PeerFactory func(handle MediaHandle, events PeerEvents) (PeerConn, error)

type Options struct {
	Self     domain.Identity
	Info     domain.DisplayInfo
	Signaler Signaler
	Media    MediaSource
	Peers    PeerFactory
	Recorder core.Recorder // optional
	OnChange func(id domain.CallID, status domain.CallStatus)
	OnRoster func(identities []domain.Identity)
}

// Machine owns every call session of one endpoint. Sessions live in a
// table keyed by callId with an explicit per-session state; events
// arriving in a state they are not valid from are rejected as no-ops,
// which is what makes duplicate delivery harmless.
type Machine struct {
	mu       sync.Mutex
	sessions map[domain.CallID]*session

	self  domain.Identity
	info  domain.DisplayInfo
	sig   Signaler
	media MediaSource
	peers PeerFactory
	rec   core.Recorder

	onChange func(domain.CallID, domain.CallStatus)
	onRoster func([]domain.Identity)

	now func() time.Time
}

func NewMachine(opts Options) *Machine {
	return &Machine{
		sessions: make(map[domain.CallID]*session),
		self:     opts.Self,
		info:     opts.Info,
		sig:      opts.Signaler,
		media:    opts.Media,
		peers:    opts.Peers,
		rec:      opts.Recorder,
		onChange: opts.OnChange,
		onRoster: opts.OnRoster,
		now:      time.Now,
	}
}

// InitiateCall starts an outbound call attempt. Media acquisition may
// block on permission prompts, so it runs off the event path; the
// initiate event is sent once acquisition settles, successful or not.
func (m *Machine) InitiateCall(ctx context.Context, target domain.Identity, kind domain.MediaKind) (domain.CallID, error) {
	if target == m.self {
		return "", fmt.Errorf("cannot call self")
	}

	id := domain.NewCallID()
	s := &session{
		id:        id,
		caller:    m.self,
		receiver:  target,
		outbound:  true,
		kind:      kind,
		status:    domain.StatusRingingOut,
		startedAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.notify(id, domain.StatusRingingOut)

	go func() {
		m.acquireMedia(ctx, id, kind)
		m.send(domain.EventInitiate, domain.InitiatePayload{
			CallID:     id,
			Target:     target,
			CallerInfo: m.info,
			MediaKind:  kind,
		})
	}()

	return id, nil
}

// AcceptCall commits to answering a ringing inbound call. Valid only
// from ringing-in, so repeated UI triggers collapse into one accept.
func (m *Machine) AcceptCall(ctx context.Context, id domain.CallID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if s.status != domain.StatusRingingIn {
		m.mu.Unlock()
		return fmt.Errorf("accept %s from %s: %w", id, s.status, ErrInvalidTransition)
	}
	s.status = domain.StatusConnecting
	caller := s.caller
	kind := s.kind
	m.mu.Unlock()
	m.notify(id, domain.StatusConnecting)

	go func() {
		m.acquireMedia(ctx, id, kind)
		// Accept goes out only after local capture settled, so the
		// offer that follows finds the tracks ready to attach.
		m.send(domain.EventAccept, domain.AcceptPayload{
			CallID:       id,
			Caller:       caller,
			ReceiverInfo: m.info,
		})
	}()
	return nil
}

// RejectCall declines a ringing inbound call.
func (m *Machine) RejectCall(id domain.CallID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if s.status != domain.StatusRingingIn {
		m.mu.Unlock()
		return fmt.Errorf("reject %s from %s: %w", id, s.status, ErrInvalidTransition)
	}
	caller := s.caller
	m.terminateLocked(s, domain.StatusRejected)
	m.mu.Unlock()

	m.send(domain.EventReject, domain.RejectPayload{CallID: id, Caller: caller, Reason: reason})
	m.notify(id, domain.StatusRejected)
	return nil
}

// EndCall is the sole cancellation primitive. Idempotent: once the
// session is gone, further calls are no-ops with no duplicate call:end
// emission and no double release.
func (m *Machine) EndCall(id domain.CallID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	peer := s.peer()
	m.terminateLocked(s, domain.StatusEnded)
	m.mu.Unlock()

	m.send(domain.EventEnd, domain.EndPayload{CallID: id, Recipient: peer})
	m.notify(id, domain.StatusEnded)
}

// ToggleTrack flips or sets mute/camera state on the call's local
// tracks and returns the resulting enabled state. The state is pushed
// onto the live peer connection so the remote side stops receiving
// that kind; a connection built later picks it up from the handle.
func (m *Machine) ToggleTrack(id domain.CallID, kind domain.MediaKind, set *bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrUnknownCall
	}
	if s.media == nil {
		return false, fmt.Errorf("call %s has no local media", id)
	}
	on := s.media.Toggle(kind, set)
	if s.pc != nil {
		if err := s.pc.SetTrackEnabled(kind, on); err != nil {
			log.Warn().Err(err).Str("module", "endpoint").Str("call", id.String()).Str("kind", string(kind)).Msg("gate sender")
		}
	}
	return on, nil
}

// Status reports the current state of a call attempt.
func (m *Machine) Status(id domain.CallID) (domain.CallStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.status, true
	}
	return domain.StatusIdle, false
}

// Active lists the live (non-terminal) call attempts.
func (m *Machine) Active() []domain.CallID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CallID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// acquireMedia runs the capture ladder and attaches the result to the
// session. Acquisition failure is absorbed: the call proceeds with
// whatever was obtained, down to no tracks at all.
func (m *Machine) acquireMedia(ctx context.Context, id domain.CallID, kind domain.MediaKind) {
	if m.media == nil {
		return
	}
	h, err := m.media.Acquire(ctx, kind == domain.MediaVideo)
	if err != nil {
		log.Warn().Err(err).Str("module", "endpoint").Str("call", id.String()).Msg("media acquisition degraded to none")
	}
	if h == nil {
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		// The call died while we waited on capture.
		h.Release()
		return
	}
	s.media = h
	m.mu.Unlock()
}

func (m *Machine) send(event string, v any) {
	if err := m.sig.Send(event, v); err != nil {
		log.Warn().Err(err).Str("module", "endpoint").Str("event", event).Msg("signal send dropped")
	}
}

func (m *Machine) notify(id domain.CallID, status domain.CallStatus) {
	if m.onChange != nil {
		m.onChange(id, status)
	}
}

// terminateLocked moves a session to its single terminal status,
// releases everything it owns, and hands the outcome to the recorder.
// Callers hold m.mu.
func (m *Machine) terminateLocked(s *session, status domain.CallStatus) {
	if s.media != nil {
		s.media.Release()
		s.media = nil
	}
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
	s.pending = nil
	s.status = status
	delete(m.sessions, s.id)

	if m.rec != nil {
		o := s.outcome(status, m.now())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := m.rec.RecordOutcome(ctx, o); err != nil {
				log.Warn().Err(err).Str("module", "endpoint").Str("call", o.CallID.String()).Msg("outcome record failed")
			}
		}()
	}

	log.Info().Str("module", "endpoint").Str("call", s.id.String()).Str("status", string(status)).Msg("call terminated")
}

// markConnected is reported by the peer connection when a remote track
// arrives or the transport reaches connected.
func (m *Machine) markConnected(id domain.CallID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.status != domain.StatusConnecting {
		m.mu.Unlock()
		return
	}
	s.status = domain.StatusConnected
	m.mu.Unlock()
	m.notify(id, domain.StatusConnected)
}

// markFailed is reported on failed/disconnected transport state; the
// core treats it as a plain local end with no distinguishing reason.
func (m *Machine) markFailed(id domain.CallID) {
	log.Info().Str("module", "endpoint").Str("call", id.String()).Msg("transport failed, ending call")
	m.EndCall(id)
}
