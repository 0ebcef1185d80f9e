package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ringline/ringline/internal/domain"
)

type sentEvent struct {
	event   string
	payload any
}

// fakeSignaler records sends and signals a channel so tests can wait
// for events emitted from the machine's acquisition goroutines.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentEvent
	ch   chan sentEvent
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan sentEvent, 64)}
}

func (s *fakeSignaler) Send(event string, v any) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentEvent{event, v})
	s.mu.Unlock()
	s.ch <- sentEvent{event, v}
	return nil
}

func (s *fakeSignaler) waitFor(t *testing.T, event string) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-s.ch:
			if e.event == event {
				return e.payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, saw %v", event, s.events())
		}
	}
}

func (s *fakeSignaler) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, e := range s.sent {
		out = append(out, e.event)
	}
	return out
}

func (s *fakeSignaler) count(event string) int {
	n := 0
	for _, e := range s.events() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	mu       sync.Mutex
	hasVideo bool
	releases int
	enabled  map[domain.MediaKind]bool
}

func newFakeHandle(hasVideo bool) *fakeHandle {
	return &fakeHandle{
		hasVideo: hasVideo,
		enabled:  map[domain.MediaKind]bool{domain.MediaAudio: true, domain.MediaVideo: hasVideo},
	}
}

func (h *fakeHandle) HasVideo() bool { return h.hasVideo }

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()
}

func (h *fakeHandle) released() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

func (h *fakeHandle) Toggle(kind domain.MediaKind, set *bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set != nil {
		h.enabled[kind] = *set
	} else {
		h.enabled[kind] = !h.enabled[kind]
	}
	return h.enabled[kind]
}

func (h *fakeHandle) Enabled(kind domain.MediaKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[kind]
}

// fakePeer mimics pion's negotiation state transitions without any
// networking.
type fakePeer struct {
	mu         sync.Mutex
	remoteSet  bool
	candidates []domain.Candidate
	gates      []gateCall
	closed     bool
}

type gateCall struct {
	kind    domain.MediaKind
	enabled bool
}

func (p *fakePeer) CreateOffer() (domain.SDP, error) {
	return domain.SDP{Type: "offer", SDP: "v=0 local"}, nil
}

func (p *fakePeer) AcceptOffer(domain.SDP) (domain.SDP, error) {
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()
	return domain.SDP{Type: "answer", SDP: "v=0 remote"}, nil
}

func (p *fakePeer) AcceptAnswer(domain.SDP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSet {
		return ErrUnexpectedAnswer
	}
	p.remoteSet = true
	return nil
}

func (p *fakePeer) AddCandidate(c domain.Candidate) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	p.mu.Lock()
	p.gates = append(p.gates, gateCall{kind, enabled})
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) gateCalls() []gateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateCall(nil), p.gates...)
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// fixture wires a machine to in-memory fakes. The factory never fires
// peer events synchronously; tests trigger them explicitly.
type fixture struct {
	machine *Machine
	sig     *fakeSignaler
	handle  *fakeHandle
	peer    *fakePeer
	created int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sig:    newFakeSignaler(),
		handle: newFakeHandle(true),
		peer:   &fakePeer{},
	}
	f.machine = NewMachine(Options{
		Self:     "alice",
		Info:     domain.DisplayInfo{Name: "Alice"},
		Signaler: f.sig,
		Media: MediaSourceFunc(func(context.Context, bool) (MediaHandle, error) {
			return f.handle, nil
		}),
		Peers: func(MediaHandle, PeerEvents) (PeerConn, error) {
			f.created++
			return f.peer, nil
		},
	})
	return f
}

func (f *fixture) ringInbound(t *testing.T, id domain.CallID, caller domain.Identity) {
	t.Helper()
	f.machine.HandleIncoming(domain.IncomingPayload{
		CallID:    id,
		Caller:    caller,
		MediaKind: domain.MediaVideo,
	})
	f.sig.waitFor(t, domain.EventRinging)
}

func candidateN(n string) domain.Candidate {
	return domain.Candidate{Candidate: "candidate:" + n}
}

func TestInitiateSendsAfterMediaSettles(t *testing.T) {
	f := newFixture(t)

	id, err := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	p := f.sig.waitFor(t, domain.EventInitiate).(domain.InitiatePayload)
	if p.CallID != id || p.Target != "bob" || p.MediaKind != domain.MediaVideo {
		t.Fatalf("unexpected initiate payload: %+v", p)
	}
	if status, ok := f.machine.Status(id); !ok || status != domain.StatusRingingOut {
		t.Fatalf("status %s, want ringing-out", status)
	}
}

func TestInitiateSelfRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.machine.InitiateCall(context.Background(), "alice", domain.MediaAudio); err == nil {
		t.Fatal("calling yourself should fail")
	}
}

func TestInitiateProceedsWithoutMedia(t *testing.T) {
	f := newFixture(t)
	f.machine.media = MediaSourceFunc(func(context.Context, bool) (MediaHandle, error) {
		return nil, errors.New("no devices")
	})

	if _, err := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.sig.waitFor(t, domain.EventInitiate)
}

func TestIncomingWhileEngagedAnswersBusy(t *testing.T) {
	f := newFixture(t)
	f.ringInbound(t, "call-1", "bob")

	f.machine.HandleIncoming(domain.IncomingPayload{CallID: "call-2", Caller: "carol"})

	p := f.sig.waitFor(t, domain.EventBusy).(domain.BusyPayload)
	if p.CallID != "call-2" || p.Target != "carol" {
		t.Fatalf("unexpected busy payload: %+v", p)
	}
	if status, ok := f.machine.Status("call-1"); !ok || status != domain.StatusRingingIn {
		t.Fatalf("first call disturbed: %s", status)
	}
	if _, ok := f.machine.Status("call-2"); ok {
		t.Fatal("busy attempt must not leave a session behind")
	}
}

func TestDuplicateIncomingIgnored(t *testing.T) {
	f := newFixture(t)
	f.ringInbound(t, "call-1", "bob")

	f.machine.HandleIncoming(domain.IncomingPayload{CallID: "call-1", Caller: "bob"})

	if got := f.sig.count(domain.EventRinging); got != 1 {
		t.Fatalf("duplicate incoming re-acked: %d ringing events", got)
	}
	if got := f.sig.count(domain.EventBusy); got != 0 {
		t.Fatal("duplicate incoming must not answer busy")
	}
}

func TestAcceptValidOnlyFromRinging(t *testing.T) {
	f := newFixture(t)
	if err := f.machine.AcceptCall(context.Background(), "nope"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}

	f.ringInbound(t, "call-1", "bob")
	if err := f.machine.AcceptCall(context.Background(), "call-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.sig.waitFor(t, domain.EventAccept)

	if err := f.machine.AcceptCall(context.Background(), "call-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second accept should be invalid, got %v", err)
	}
	if got := f.sig.count(domain.EventAccept); got != 1 {
		t.Fatalf("accept emitted %d times", got)
	}
}

func TestDuplicateAcceptedIgnored(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)

	f.machine.HandleAccepted(domain.AcceptedPayload{CallID: id, Receiver: "bob"})
	f.machine.HandleAccepted(domain.AcceptedPayload{CallID: id, Receiver: "bob"})

	if f.created != 1 {
		t.Fatalf("peer connection created %d times", f.created)
	}
	if got := f.sig.count(domain.EventOffer); got != 1 {
		t.Fatalf("offer sent %d times", got)
	}
}

func TestCandidateBufferingAndFlushOrder(t *testing.T) {
	f := newFixture(t)
	f.ringInbound(t, "call-1", "bob")
	if err := f.machine.AcceptCall(context.Background(), "call-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.sig.waitFor(t, domain.EventAccept)

	// Candidates racing ahead of the offer are buffered, not dropped.
	f.machine.HandleCandidate(domain.CandidatePayload{CallID: "call-1", Candidate: candidateN("1")})
	f.machine.HandleCandidate(domain.CandidatePayload{CallID: "call-1", Candidate: candidateN("2")})
	if len(f.peer.candidates) != 0 {
		t.Fatal("candidates applied before the remote description")
	}

	f.machine.HandleOffer(domain.DescriptionPayload{
		CallID:      "call-1",
		Description: domain.SDP{Type: "offer", SDP: "v=0 remote"},
	})
	f.sig.waitFor(t, domain.EventAnswer)

	f.machine.HandleCandidate(domain.CandidatePayload{CallID: "call-1", Candidate: candidateN("3")})

	want := []string{"candidate:1", "candidate:2", "candidate:3"}
	if len(f.peer.candidates) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(f.peer.candidates), len(want))
	}
	for i, c := range f.peer.candidates {
		if c.Candidate != want[i] {
			t.Fatalf("candidate %d is %q, want %q", i, c.Candidate, want[i])
		}
	}
}

func TestDuplicateOfferIgnored(t *testing.T) {
	f := newFixture(t)
	f.ringInbound(t, "call-1", "bob")
	if err := f.machine.AcceptCall(context.Background(), "call-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.sig.waitFor(t, domain.EventAccept)

	offer := domain.DescriptionPayload{CallID: "call-1", Description: domain.SDP{Type: "offer", SDP: "v=0"}}
	f.machine.HandleOffer(offer)
	f.machine.HandleOffer(offer)

	if f.created != 1 {
		t.Fatalf("peer connection created %d times", f.created)
	}
	if got := f.sig.count(domain.EventAnswer); got != 1 {
		t.Fatalf("answer sent %d times", got)
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)
	f.machine.HandleAccepted(domain.AcceptedPayload{CallID: id, Receiver: "bob"})

	answer := domain.DescriptionPayload{CallID: id, Description: domain.SDP{Type: "answer", SDP: "v=0"}}
	f.machine.HandleAnswer(answer)
	f.machine.HandleAnswer(answer)

	if !f.peer.HasRemoteDescription() {
		t.Fatal("first answer should have been applied")
	}
	if status, _ := f.machine.Status(id); status != domain.StatusConnecting {
		t.Fatalf("duplicate answer broke the session: %s", status)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)
	f.machine.HandleAccepted(domain.AcceptedPayload{CallID: id, Receiver: "bob"})

	f.machine.EndCall(id)
	f.machine.EndCall(id)

	if got := f.sig.count(domain.EventEnd); got != 1 {
		t.Fatalf("call:end sent %d times", got)
	}
	if got := f.handle.released(); got != 1 {
		t.Fatalf("media released %d times", got)
	}
	if !f.peer.closed {
		t.Fatal("peer connection left open")
	}
	if _, ok := f.machine.Status(id); ok {
		t.Fatal("session survived EndCall")
	}
}

func TestRemoteEndNoEcho(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)

	f.machine.HandleEnded(domain.EndPayload{CallID: id})

	if got := f.sig.count(domain.EventEnd); got != 0 {
		t.Fatal("remote end must not be echoed back")
	}
	if got := f.handle.released(); got != 1 {
		t.Fatalf("media released %d times", got)
	}
}

func TestMediaReleasedWhenCallDiesDuringAcquire(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.machine.media = MediaSourceFunc(func(context.Context, bool) (MediaHandle, error) {
		<-gate
		return f.handle, nil
	})

	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.machine.EndCall(id)
	close(gate)

	f.sig.waitFor(t, domain.EventInitiate)
	deadline := time.Now().Add(2 * time.Second)
	for f.handle.released() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handle acquired after termination was never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutcomeRecordedOnce(t *testing.T) {
	f := newFixture(t)
	outcomes := make(chan domain.Outcome, 4)
	f.machine.rec = recorderFunc(func(_ context.Context, o domain.Outcome) error {
		outcomes <- o
		return nil
	})

	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)
	f.machine.EndCall(id)
	f.machine.EndCall(id)

	select {
	case o := <-outcomes:
		if o.CallID != id || o.Caller != "alice" || o.Receiver != "bob" || o.Status != domain.StatusEnded {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outcome never recorded")
	}
	select {
	case o := <-outcomes:
		t.Fatalf("outcome recorded twice: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRejectOnlyFromRinging(t *testing.T) {
	f := newFixture(t)
	f.ringInbound(t, "call-1", "bob")

	if err := f.machine.RejectCall("call-1", "busy elsewhere"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	p := f.sig.waitFor(t, domain.EventReject).(domain.RejectPayload)
	if p.Caller != "bob" || p.Reason != "busy elsewhere" {
		t.Fatalf("unexpected reject payload: %+v", p)
	}

	if err := f.machine.RejectCall("call-1", ""); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("second reject should find no call, got %v", err)
	}
}

func TestToggleTrack(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)

	if on, err := f.machine.ToggleTrack(id, domain.MediaAudio, nil); err != nil || on {
		t.Fatalf("first toggle should mute: on=%v err=%v", on, err)
	}
	want := true
	if on, err := f.machine.ToggleTrack(id, domain.MediaAudio, &want); err != nil || !on {
		t.Fatalf("explicit set should unmute: on=%v err=%v", on, err)
	}
	if _, err := f.machine.ToggleTrack("nope", domain.MediaAudio, nil); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
}

func TestToggleTrackGatesPeerSenders(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)

	// No peer connection yet: the handle remembers the state alone.
	if on, err := f.machine.ToggleTrack(id, domain.MediaVideo, nil); err != nil || on {
		t.Fatalf("camera off: on=%v err=%v", on, err)
	}
	if got := f.peer.gateCalls(); len(got) != 0 {
		t.Fatalf("no connection exists, yet %d gate calls reached the peer", len(got))
	}
	if f.handle.Enabled(domain.MediaVideo) {
		t.Fatal("handle did not record the camera-off state")
	}

	f.machine.HandleAccepted(domain.AcceptedPayload{CallID: id, Receiver: "bob"})

	if on, err := f.machine.ToggleTrack(id, domain.MediaAudio, nil); err != nil || on {
		t.Fatalf("mute: on=%v err=%v", on, err)
	}
	want := true
	if on, err := f.machine.ToggleTrack(id, domain.MediaAudio, &want); err != nil || !on {
		t.Fatalf("unmute: on=%v err=%v", on, err)
	}

	got := f.peer.gateCalls()
	if len(got) != 2 {
		t.Fatalf("expected 2 gate calls, got %d", len(got))
	}
	if got[0] != (gateCall{domain.MediaAudio, false}) || got[1] != (gateCall{domain.MediaAudio, true}) {
		t.Fatalf("unexpected gate sequence: %v", got)
	}
}

func TestConnectedStateTransition(t *testing.T) {
	f := newFixture(t)
	id, _ := f.machine.InitiateCall(context.Background(), "bob", domain.MediaVideo)
	f.sig.waitFor(t, domain.EventInitiate)
	f.machine.HandleAccepted(domain.AcceptedPayload{CallID: id, Receiver: "bob"})

	f.machine.markConnected(id)
	if status, _ := f.machine.Status(id); status != domain.StatusConnected {
		t.Fatalf("status %s, want connected", status)
	}

	// A second report is a no-op, not a transition error.
	f.machine.markConnected(id)
	if status, _ := f.machine.Status(id); status != domain.StatusConnected {
		t.Fatal("repeated connected report broke the session")
	}
}

type recorderFunc func(context.Context, domain.Outcome) error

func (f recorderFunc) RecordOutcome(ctx context.Context, o domain.Outcome) error { return f(ctx, o) }
