package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallID is an opaque per-attempt token correlating all signaling
// messages for one call. The relay copies it between messages unmodified.
type CallID string

func NewCallID() CallID { return CallID(uuid.NewString()) }

func (id CallID) String() string { return string(id) }

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CallStatus is the lifecycle state of one endpoint's view of a call.
// Keep values stable because they cross the wire in outcome records.
type CallStatus string

const (
	StatusIdle        CallStatus = "idle"
	StatusRingingOut  CallStatus = "ringing-out"
	StatusRingingIn   CallStatus = "ringing-in"
	StatusConnecting  CallStatus = "connecting"
	StatusConnected   CallStatus = "connected"
	StatusEnded       CallStatus = "ended"
	StatusRejected    CallStatus = "rejected"
	StatusBusy        CallStatus = "busy"
	StatusUnavailable CallStatus = "unavailable"
)

// Terminal reports whether a session in this status is finished and
// must have released its media handle.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusBusy, StatusUnavailable:
		return true
	}
	return false
}

// Outcome is the terminal call metadata handed to the recorder
// collaborator once per session.
type Outcome struct {
	CallID    CallID     `json:"callId"`
	Caller    Identity   `json:"caller"`
	Receiver  Identity   `json:"receiver"`
	MediaKind MediaKind  `json:"mediaKind"`
	Status    CallStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   time.Time  `json:"endedAt"`
}

func (o Outcome) Duration() time.Duration {
	if o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}
