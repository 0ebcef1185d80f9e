package app

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ringline/ringline/internal/core"
	"github.com/ringline/ringline/internal/domain"
)

// fakeConn records every frame handed to it so tests can assert on
// delivery without a websocket.
type fakeConn struct {
	id       core.ConnID
	identity domain.Identity
	frames   [][]byte
	full     bool
	closed   bool
}

func newFakeConn(id string, identity domain.Identity) *fakeConn {
	return &fakeConn{id: core.ConnID(id), identity: identity}
}

func (c *fakeConn) ID() core.ConnID           { return c.id }
func (c *fakeConn) Identity() domain.Identity { return c.identity }
func (c *fakeConn) Close()                    { c.closed = true }

func (c *fakeConn) TrySend(f core.Frame) error {
	if c.full {
		return errors.New("queue full")
	}
	c.frames = append(c.frames, append([]byte(nil), f...))
	return nil
}

// events returns the event names of every recorded frame, in order.
func (c *fakeConn) events(t *testing.T) []string {
	t.Helper()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env domain.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		out = append(out, env.Event)
	}
	return out
}

// lastPayload decodes the most recent frame with the given event into v.
func (c *fakeConn) lastPayload(t *testing.T, event string, v any) {
	t.Helper()
	for i := len(c.frames) - 1; i >= 0; i-- {
		var env domain.Envelope
		if err := json.Unmarshal(c.frames[i], &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Event != event {
			continue
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("bad %s payload: %v", event, err)
		}
		return
	}
	t.Fatalf("no %s frame recorded, got %v", event, c.events(t))
}

func (c *fakeConn) countEvent(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, e := range c.events(t) {
		if e == event {
			n++
		}
	}
	return n
}
