package domain

import (
	"testing"
	"time"
)

func TestCallStatusTerminal(t *testing.T) {
	terminal := []CallStatus{StatusEnded, StatusRejected, StatusBusy, StatusUnavailable}
	live := []CallStatus{StatusIdle, StatusRingingOut, StatusRingingIn, StatusConnecting, StatusConnected}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOutcomeDuration(t *testing.T) {
	start := time.Now()
	o := Outcome{StartedAt: start, EndedAt: start.Add(90 * time.Second)}
	if got := o.Duration(); got != 90*time.Second {
		t.Fatalf("duration %s, want 90s", got)
	}

	// Clock skew between recording hosts must not produce negative durations.
	o = Outcome{StartedAt: start, EndedAt: start.Add(-time.Second)}
	if got := o.Duration(); got != 0 {
		t.Fatalf("duration %s, want 0", got)
	}
}

func TestNewGuestUser(t *testing.T) {
	u, err := NewGuestUser("Alice")
	if err != nil {
		t.Fatalf("guest: %v", err)
	}
	if u.ID == "" || u.Info.Name != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := NewGuestUser(""); err != ErrNameEmpty {
		t.Fatalf("expected ErrNameEmpty, got %v", err)
	}
	long := make([]byte, MaxDisplayNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := NewGuestUser(string(long)); err != ErrNameTooLong {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
}
