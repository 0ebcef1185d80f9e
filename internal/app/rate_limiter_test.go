package app

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("first two attempts should pass")
	}
	if rl.Allow("alice") {
		t.Fatal("third attempt inside the window should be denied")
	}
	if !rl.Allow("bob") {
		t.Fatal("limits are per identity")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("alice") {
		t.Fatal("attempts should pass again once the window slides")
	}
}
