package endpoint

import (
	"time"

	"github.com/ringline/ringline/internal/domain"
)

// session is one endpoint's view of a single call attempt. All fields
// are guarded by the owning machine's mutex.
type session struct {
	id       domain.CallID
	caller   domain.Identity
	receiver domain.Identity
	outbound bool
	kind     domain.MediaKind
	status   domain.CallStatus

	media   MediaHandle
	pc      PeerConn
	pending []domain.Candidate

	startedAt time.Time
}

// peer is the other party of the call.
func (s *session) peer() domain.Identity {
	if s.outbound {
		return s.receiver
	}
	return s.caller
}

func (s *session) outcome(status domain.CallStatus, endedAt time.Time) domain.Outcome {
	return domain.Outcome{
		CallID:    s.id,
		Caller:    s.caller,
		Receiver:  s.receiver,
		MediaKind: s.kind,
		Status:    status,
		StartedAt: s.startedAt,
		EndedAt:   endedAt,
	}
}
