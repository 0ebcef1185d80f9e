package endpoint

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/domain"
)

// Dispatch routes one inbound signaling frame into the machine.
func (m *Machine) Dispatch(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "endpoint").Msg("bad json")
		return
	}

	switch env.Event {
	case domain.EventIncoming:
		var p domain.IncomingPayload
		if decode(env, &p) {
			m.HandleIncoming(p)
		}
	case domain.EventRinging:
		var p domain.RingingPayload
		if decode(env, &p) {
			m.HandleRinging(p)
		}
	case domain.EventAccepted:
		var p domain.AcceptedPayload
		if decode(env, &p) {
			m.HandleAccepted(p)
		}
	case domain.EventReject:
		var p domain.RejectPayload
		if decode(env, &p) {
			m.HandleRejected(p)
		}
	case domain.EventBusy:
		var p domain.BusyPayload
		if decode(env, &p) {
			m.HandleBusy(p)
		}
	case domain.EventUnavailable:
		var p domain.UnavailablePayload
		if decode(env, &p) {
			m.HandleUnavailable(p)
		}
	case domain.EventEnd:
		var p domain.EndPayload
		if decode(env, &p) {
			m.HandleEnded(p)
		}
	case domain.EventOffer:
		var p domain.DescriptionPayload
		if decode(env, &p) {
			m.HandleOffer(p)
		}
	case domain.EventAnswer:
		var p domain.DescriptionPayload
		if decode(env, &p) {
			m.HandleAnswer(p)
		}
	case domain.EventCandidate:
		var p domain.CandidatePayload
		if decode(env, &p) {
			m.HandleCandidate(p)
		}
	case domain.EventOnlineUsers:
		var p domain.OnlineUsersPayload
		if decode(env, &p) && m.onRoster != nil {
			m.onRoster(p.Identities)
		}
	default:
		log.Warn().Str("module", "endpoint").Str("event", env.Event).Msg("unknown signal")
	}
}

func decode(env domain.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Error().Err(err).Str("module", "endpoint").Str("event", env.Event).Msg("bad payload")
		return false
	}
	return true
}

// HandleIncoming mirrors a caller's attempt locally. A receiver that
// is already in any live call answers busy instead of ringing.
func (m *Machine) HandleIncoming(p domain.IncomingPayload) {
	m.mu.Lock()
	if _, dup := m.sessions[p.CallID]; dup {
		m.mu.Unlock()
		return
	}
	if len(m.sessions) > 0 {
		m.mu.Unlock()
		log.Info().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("already in a call, answering busy")
		m.send(domain.EventBusy, domain.BusyPayload{CallID: p.CallID, Target: p.Caller})
		return
	}
	m.sessions[p.CallID] = &session{
		id:        p.CallID,
		caller:    p.Caller,
		receiver:  m.self,
		outbound:  false,
		kind:      p.MediaKind,
		status:    domain.StatusRingingIn,
		startedAt: m.now(),
	}
	m.mu.Unlock()

	// Ringing acknowledgement arms the relay's busy short-circuit.
	m.send(domain.EventRinging, domain.RingingPayload{CallID: p.CallID, Target: m.self})
	m.notify(p.CallID, domain.StatusRingingIn)
}

// HandleRinging confirms the attempt reached at least one live
// connection of the target. The caller stays in ringing-out.
func (m *Machine) HandleRinging(p domain.RingingPayload) {
	log.Info().Str("module", "endpoint").Str("call", p.CallID.String()).Str("target", p.Target.String()).Msg("remote ringing")
}

// HandleAccepted constructs the caller's peer connection and sends the
// offer. The peer connection existing for this callId is the duplicate
// guard: relays with multi-connection identities can violate
// at-most-once.
func (m *Machine) HandleAccepted(p domain.AcceptedPayload) {
	m.mu.Lock()
	s, ok := m.sessions[p.CallID]
	if !ok || !s.outbound {
		m.mu.Unlock()
		log.Warn().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("accepted for unknown call, ignoring")
		return
	}
	if s.pc != nil || s.status != domain.StatusRingingOut {
		m.mu.Unlock()
		log.Info().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("duplicate accepted, ignoring")
		return
	}

	pc, err := m.peers(s.media, m.peerEvents(p.CallID))
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "endpoint").Str("call", p.CallID.String()).Msg("peer connection create")
		m.EndCall(p.CallID)
		return
	}
	s.pc = pc
	s.status = domain.StatusConnecting

	offer, err := pc.CreateOffer()
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "endpoint").Str("call", p.CallID.String()).Msg("create offer")
		m.EndCall(p.CallID)
		return
	}
	peer := s.peer()
	m.mu.Unlock()

	m.send(domain.EventOffer, domain.DescriptionPayload{
		CallID:      p.CallID,
		Recipient:   peer,
		Description: offer,
	})
	m.notify(p.CallID, domain.StatusConnecting)
}

// HandleOffer constructs the receiver's peer connection, applies the
// remote description, answers, and drains any candidates that raced
// ahead of the description.
func (m *Machine) HandleOffer(p domain.DescriptionPayload) {
	m.mu.Lock()
	s, ok := m.sessions[p.CallID]
	if !ok || s.outbound {
		m.mu.Unlock()
		log.Warn().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("offer for unknown call, ignoring")
		return
	}
	if s.pc != nil {
		m.mu.Unlock()
		log.Info().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("duplicate offer, ignoring")
		return
	}
	if s.status != domain.StatusConnecting {
		m.mu.Unlock()
		log.Warn().Str("module", "endpoint").Str("call", p.CallID.String()).Str("status", string(s.status)).Msg("offer before accept, ignoring")
		return
	}

	pc, err := m.peers(s.media, m.peerEvents(p.CallID))
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "endpoint").Str("call", p.CallID.String()).Msg("peer connection create")
		m.EndCall(p.CallID)
		return
	}
	s.pc = pc

	answer, err := pc.AcceptOffer(p.Description)
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "endpoint").Str("call", p.CallID.String()).Msg("apply offer")
		m.EndCall(p.CallID)
		return
	}
	m.flushPendingLocked(s)
	peer := s.peer()
	m.mu.Unlock()

	m.send(domain.EventAnswer, domain.DescriptionPayload{
		CallID:      p.CallID,
		Recipient:   peer,
		Description: answer,
	})
}

// HandleAnswer applies the receiver's answer exactly once. The peer
// connection rejects it unless its negotiation state still expects one,
// which covers duplicate delivery.
func (m *Machine) HandleAnswer(p domain.DescriptionPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.CallID]
	if !ok || !s.outbound || s.pc == nil {
		log.Warn().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("answer with no matching offer, ignoring")
		return
	}
	if s.pc.HasRemoteDescription() {
		log.Info().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("duplicate answer, ignoring")
		return
	}
	if err := s.pc.AcceptAnswer(p.Description); err != nil {
		log.Warn().Err(err).Str("module", "endpoint").Str("call", p.CallID.String()).Msg("answer not applicable, ignoring")
		return
	}
	m.flushPendingLocked(s)
}

// HandleCandidate applies a network-path candidate, or buffers it when
// the peer connection does not yet have a remote description.
func (m *Machine) HandleCandidate(p domain.CandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.CallID]
	if !ok {
		log.Warn().Str("module", "endpoint").Str("call", p.CallID.String()).Msg("candidate for unknown call, ignoring")
		return
	}
	if s.pc == nil || !s.pc.HasRemoteDescription() {
		s.pending = append(s.pending, p.Candidate)
		return
	}
	if err := s.pc.AddCandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "endpoint").Str("call", p.CallID.String()).Msg("add candidate")
	}
}

func (m *Machine) HandleRejected(p domain.RejectPayload) {
	m.terminateRemote(p.CallID, domain.StatusRejected)
}

func (m *Machine) HandleBusy(p domain.BusyPayload) {
	m.terminateRemote(p.CallID, domain.StatusBusy)
}

func (m *Machine) HandleUnavailable(p domain.UnavailablePayload) {
	m.terminateRemote(p.CallID, domain.StatusUnavailable)
}

func (m *Machine) HandleEnded(p domain.EndPayload) {
	m.terminateRemote(p.CallID, domain.StatusEnded)
}

// terminateRemote finishes a session on a relay-delivered terminal
// event. No call:end goes back out; the other side already knows.
func (m *Machine) terminateRemote(id domain.CallID, status domain.CallStatus) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.terminateLocked(s, status)
	m.mu.Unlock()
	m.notify(id, status)
}

// flushPendingLocked drains the buffered candidates in arrival order,
// clearing the queue first so a re-entrant arrival can never be
// flushed twice. Callers hold m.mu and have just applied the remote
// description.
func (m *Machine) flushPendingLocked(s *session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.pc.AddCandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "endpoint").Str("call", s.id.String()).Msg("flush candidate")
		}
	}
}

func (m *Machine) peerEvents(id domain.CallID) PeerEvents {
	return PeerEvents{
		OnCandidate: func(c domain.Candidate) {
			m.mu.Lock()
			s, ok := m.sessions[id]
			var peer domain.Identity
			if ok {
				peer = s.peer()
			}
			m.mu.Unlock()
			if !ok {
				return
			}
			m.send(domain.EventCandidate, domain.CandidatePayload{
				CallID:    id,
				Recipient: peer,
				Candidate: c,
			})
		},
		OnConnected: func() { m.markConnected(id) },
		OnFailed:    func() { m.markFailed(id) },
	}
}
