package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/core"
	"github.com/ringline/ringline/internal/domain"
)

const directoryTimeout = 2 * time.Second

// Relay is a stateless message router between endpoints. It inspects
// only routing fields (callId, target identity) and copies everything
// else unmodified. Delivery is at-most-once with no retries; duplicate
// suppression belongs to the receiving state machine.
//
// The one piece of state it keeps is the per-identity active-call
// marker, used only to answer call:initiate with an immediate busy
// outcome. Markers come from receiver-emitted ringing/accept events,
// never from transport state, and are cleared when terminal call events
// pass through or when the identity's last connection drops.
type Relay struct {
	presence *Presence
	dir      core.Directory
	limiter  *RateLimiter

	mu      sync.Mutex
	engaged map[domain.Identity]domain.CallID
}

func NewRelay(presence *Presence, dir core.Directory, limiter *RateLimiter) *Relay {
	return &Relay{
		presence: presence,
		dir:      dir,
		limiter:  limiter,
		engaged:  make(map[domain.Identity]domain.CallID),
	}
}

// Connect registers a new live connection with the presence registry.
func (r *Relay) Connect(c core.Conn) {
	r.presence.Register(c)
}

// Disconnect unregisters a connection. When the identity goes fully
// offline its active-call marker, if any, is cleared so a stale marker
// can never produce busy for an unreachable target.
func (r *Relay) Disconnect(c core.Conn) {
	if last := r.presence.Unregister(c); last {
		r.mu.Lock()
		delete(r.engaged, c.Identity())
		r.mu.Unlock()
	}
}

func (r *Relay) Presence() *Presence { return r.presence }

// Initiate routes call:initiate. The relay assigns the callId when the
// caller did not, short-circuits busy from the marker set, and answers
// unavailable when the target has no live connections.
func (r *Relay) Initiate(from core.Conn, p domain.InitiatePayload) {
	callID := p.CallID
	if callID == "" {
		callID = domain.NewCallID()
	}

	if r.limiter != nil && !r.limiter.Allow(from.Identity()) {
		log.Warn().Str("module", "app.relay").Str("identity", from.Identity().String()).Msg("initiate rate limited")
		r.sendTo(from, domain.EventBusy, domain.BusyPayload{CallID: callID, Target: from.Identity()})
		return
	}

	r.mu.Lock()
	_, busy := r.engaged[p.Target]
	r.mu.Unlock()
	if busy {
		log.Info().Str("module", "app.relay").Str("call", callID.String()).Str("target", p.Target.String()).Msg("target engaged, answering busy")
		r.sendTo(from, domain.EventBusy, domain.BusyPayload{CallID: callID, Target: from.Identity()})
		return
	}

	conns := r.presence.ConnectionsFor(p.Target)
	if len(conns) == 0 {
		log.Info().Str("module", "app.relay").Str("call", callID.String()).Str("target", p.Target.String()).Msg("target unreachable")
		r.sendTo(from, domain.EventUnavailable, domain.UnavailablePayload{
			CallID: callID,
			Target: p.Target,
			Reason: "no live connection",
		})
		return
	}

	incoming := domain.IncomingPayload{
		CallID:     callID,
		Caller:     from.Identity(),
		CallerInfo: r.enrich(from.Identity(), p.CallerInfo),
		MediaKind:  p.MediaKind,
	}
	for _, c := range conns {
		r.sendTo(c, domain.EventIncoming, incoming)
	}
	r.sendTo(from, domain.EventRinging, domain.RingingPayload{CallID: callID, Target: p.Target})
}

// MarkRinging records the receiver's acknowledgement that it entered
// ringing. This is what arms the busy short-circuit for that identity.
func (r *Relay) MarkRinging(from core.Conn, p domain.RingingPayload) {
	r.mu.Lock()
	if _, ok := r.engaged[from.Identity()]; !ok {
		r.engaged[from.Identity()] = p.CallID
	}
	r.mu.Unlock()
}

// Accept routes call:accept to the caller and stops ringing on the
// receiver's other connections.
func (r *Relay) Accept(from core.Conn, p domain.AcceptPayload) {
	r.mu.Lock()
	r.engaged[from.Identity()] = p.CallID
	r.engaged[p.Caller] = p.CallID
	r.mu.Unlock()

	accepted := domain.AcceptedPayload{
		CallID:       p.CallID,
		Receiver:     from.Identity(),
		ReceiverInfo: r.enrich(from.Identity(), p.ReceiverInfo),
	}
	r.deliver(from, p.CallID, p.Caller, domain.EventAccepted, accepted)

	// The accepting device won the call; its siblings must stop ringing.
	end := domain.EndPayload{CallID: p.CallID, Recipient: from.Identity()}
	for _, c := range r.presence.ConnectionsFor(from.Identity()) {
		if c.ID() == from.ID() {
			continue
		}
		r.sendTo(c, domain.EventEnd, end)
	}
}

// Reject routes call:reject to the caller and releases the markers.
func (r *Relay) Reject(from core.Conn, p domain.RejectPayload) {
	r.clearMarkers(p.CallID, from.Identity(), p.Caller)
	r.deliver(from, p.CallID, p.Caller, domain.EventReject, p)
}

// Busy routes a receiver-side busy verdict back to the caller.
func (r *Relay) Busy(from core.Conn, p domain.BusyPayload) {
	r.clearMarkers(p.CallID, from.Identity(), p.Target)
	r.deliver(from, p.CallID, p.Target, domain.EventBusy, p)
}

// End routes call:end to the other party and releases the markers.
func (r *Relay) End(from core.Conn, p domain.EndPayload) {
	r.clearMarkers(p.CallID, from.Identity(), p.Recipient)
	r.deliver(from, p.CallID, p.Recipient, domain.EventEnd, p)
}

// Forward fans a payload-agnostic negotiation event out to the
// recipient identity, payload untouched.
func (r *Relay) Forward(from core.Conn, event string, callID domain.CallID, target domain.Identity, data json.RawMessage) {
	conns := r.presence.ConnectionsFor(target)
	if len(conns) == 0 {
		r.sendTo(from, domain.EventUnavailable, domain.UnavailablePayload{
			CallID: callID,
			Target: target,
			Reason: "no live connection",
		})
		return
	}
	frame, err := json.Marshal(domain.Envelope{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("event", event).Msg("forward encode")
		return
	}
	for _, c := range conns {
		if err := c.TrySend(core.Frame(frame)); err != nil {
			log.Warn().Str("module", "app.relay").Str("event", event).Str("conn", string(c.ID())).Msg("forward dropped")
		}
	}
}

func (r *Relay) clearMarkers(callID domain.CallID, ids ...domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.engaged[id] == callID {
			delete(r.engaged, id)
		}
	}
}

// deliver sends event+payload to every live connection of target,
// answering the originator with unavailable when there are none.
func (r *Relay) deliver(from core.Conn, callID domain.CallID, target domain.Identity, event string, v any) {
	conns := r.presence.ConnectionsFor(target)
	if len(conns) == 0 {
		r.sendTo(from, domain.EventUnavailable, domain.UnavailablePayload{
			CallID: callID,
			Target: target,
			Reason: "no live connection",
		})
		return
	}
	for _, c := range conns {
		r.sendTo(c, event, v)
	}
}

func (r *Relay) sendTo(c core.Conn, event string, v any) {
	frame, err := domain.Encode(event, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("event", event).Msg("encode")
		return
	}
	if err := c.TrySend(core.Frame(frame)); err != nil {
		log.Warn().Str("module", "app.relay").Str("event", event).Str("conn", string(c.ID())).Msg("send dropped")
	}
}

func (r *Relay) enrich(id domain.Identity, fallback domain.DisplayInfo) domain.DisplayInfo {
	if r.dir == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	info, err := r.dir.ResolveDisplayInfo(ctx, id)
	if err != nil || info.Name == "" {
		return fallback
	}
	return info
}
