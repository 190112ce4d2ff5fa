package limiter

import (
	"testing"
	"time"
)

func TestCheck_RejectsBeyondLimit(t *testing.T) {
	l := New(30, time.Minute)

	for i := 0; i < 30; i++ {
		d := l.Check("u1", "/api/chat/stream")
		if !d.Allowed {
			t.Fatalf("request %d rejected within limit", i+1)
		}
		if want := 30 - (i + 1); d.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := l.Check("u1", "/api/chat/stream")
	if d.Allowed {
		t.Fatal("31st request allowed, want rejection")
	}
	if d.Remaining != 0 {
		t.Errorf("rejected decision remaining = %d, want 0", d.Remaining)
	}
	if wait := time.Until(d.ResetAt); wait <= 0 || wait > time.Minute {
		t.Errorf("reset %s away, want within the window", wait)
	}
}

func TestCheck_WindowResets(t *testing.T) {
	l := New(2, 50*time.Millisecond)

	l.Check("u1", "/r")
	l.Check("u1", "/r")
	if d := l.Check("u1", "/r"); d.Allowed {
		t.Fatal("expected rejection before window expiry")
	}

	time.Sleep(60 * time.Millisecond)

	d := l.Check("u1", "/r")
	if !d.Allowed {
		t.Fatal("expected fresh window after expiry")
	}
	if d.Remaining != 1 {
		t.Errorf("remaining = %d, want 1 (count restarted)", d.Remaining)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	if d := l.Check("u1", "/r"); !d.Allowed {
		t.Fatal("first request for u1 rejected")
	}
	if d := l.Check("u1", "/r"); d.Allowed {
		t.Fatal("u1 over limit but allowed")
	}

	// 其他身份和其他路由不受u1配额影响
	if d := l.Check("u2", "/r"); !d.Allowed {
		t.Error("u2 rejected by u1's quota")
	}
	if d := l.Check("u1", "/other"); !d.Allowed {
		t.Error("different route rejected by u1's quota on /r")
	}
}
