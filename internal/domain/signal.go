package domain

import "encoding/json"

// Signaling event names. The relay routes on these plus the routing
// fields below; it never interprets negotiation payloads.
const (
	EventInitiate    = "call:initiate"
	EventIncoming    = "call:incoming"
	EventRinging     = "call:ringing"
	EventAccept      = "call:accept"
	EventAccepted    = "call:accepted"
	EventReject      = "call:reject"
	EventBusy        = "call:busy"
	EventUnavailable = "call:unavailable"
	EventEnd         = "call:end"
	EventOffer       = "webrtc:offer"
	EventAnswer      = "webrtc:answer"
	EventCandidate   = "webrtc:ice-candidate"
	EventOnlineUsers = "getOnlineUsers"
)

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an envelope for transport.
func Encode(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// SDP is a negotiation description (offer or answer).
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a network-path candidate. Field names follow the
// standard ICE JSON shape so browser endpoints interoperate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type InitiatePayload struct {
	CallID     CallID      `json:"callId,omitempty"`
	Target     Identity    `json:"targetIdentity"`
	CallerInfo DisplayInfo `json:"callerInfo"`
	MediaKind  MediaKind   `json:"mediaKind"`
}

type IncomingPayload struct {
	CallID     CallID      `json:"callId"`
	Caller     Identity    `json:"callerIdentity"`
	CallerInfo DisplayInfo `json:"callerInfo"`
	MediaKind  MediaKind   `json:"mediaKind"`
}

type RingingPayload struct {
	CallID CallID   `json:"callId"`
	Target Identity `json:"targetIdentity"`
}

type AcceptPayload struct {
	CallID       CallID      `json:"callId"`
	Caller       Identity    `json:"callerIdentity"`
	ReceiverInfo DisplayInfo `json:"receiverInfo"`
}

type AcceptedPayload struct {
	CallID       CallID      `json:"callId"`
	Receiver     Identity    `json:"receiverIdentity"`
	ReceiverInfo DisplayInfo `json:"receiverInfo"`
}

type RejectPayload struct {
	CallID CallID   `json:"callId"`
	Caller Identity `json:"callerIdentity"`
	Reason string   `json:"reason,omitempty"`
}

// BusyPayload reports a refused attempt. Target is always the caller
// the outcome is delivered to, whether the verdict came from the
// relay's engaged marker or from the receiving endpoint.
type BusyPayload struct {
	CallID CallID   `json:"callId"`
	Target Identity `json:"targetIdentity"`
}

type UnavailablePayload struct {
	CallID CallID   `json:"callId,omitempty"`
	Target Identity `json:"targetIdentity"`
	Reason string   `json:"reason,omitempty"`
}

type EndPayload struct {
	CallID    CallID   `json:"callId"`
	Recipient Identity `json:"recipientIdentity"`
}

type DescriptionPayload struct {
	CallID      CallID   `json:"callId"`
	Recipient   Identity `json:"recipientIdentity"`
	Description SDP      `json:"description"`
}

type CandidatePayload struct {
	CallID    CallID    `json:"callId"`
	Recipient Identity  `json:"recipientIdentity"`
	Candidate Candidate `json:"candidate"`
}

type OnlineUsersPayload struct {
	Identities []Identity `json:"identities"`
}
