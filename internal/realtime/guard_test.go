package realtime

import (
	"testing"
	"time"
)

func testGuard() *Guard {
	return NewGuard(GuardConfig{
		HandshakeWindow:    time.Minute,
		HandshakeBudget:    3,
		MaxConnsPerAddress: 2,
		MaxConnsPerSession: 2,
	})
}

func TestAdmitHandshakeBudget(t *testing.T) {
	g := testGuard()

	for i := 0; i < 3; i++ {
		if !g.AdmitHandshake("10.0.0.1") {
			t.Fatalf("attempt %d rejected within budget", i+1)
		}
	}
	if g.AdmitHandshake("10.0.0.1") {
		t.Fatal("attempt over budget admitted")
	}
	if !g.AdmitHandshake("10.0.0.2") {
		t.Fatal("fresh address rejected")
	}
}

func TestAdmitHandshakeRefillsAfterWindow(t *testing.T) {
	g := NewGuard(GuardConfig{
		HandshakeWindow:    40 * time.Millisecond, // one token every 20ms
		HandshakeBudget:    2,
		MaxConnsPerAddress: 2,
		MaxConnsPerSession: 2,
	})

	if !g.AdmitHandshake("10.0.0.1") || !g.AdmitHandshake("10.0.0.1") {
		t.Fatal("attempts within budget rejected")
	}
	if g.AdmitHandshake("10.0.0.1") {
		t.Fatal("attempt over budget admitted")
	}

	time.Sleep(30 * time.Millisecond)
	if !g.AdmitHandshake("10.0.0.1") {
		t.Fatal("attempt after refill interval rejected")
	}
}

func TestAcquireSlotsPerAddressCap(t *testing.T) {
	g := testGuard()

	r1, err := g.AcquireSlots("10.0.0.1", "s1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := g.AcquireSlots("10.0.0.1", "s2"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := g.AcquireSlots("10.0.0.1", "s3"); err != ErrTooManyConnections {
		t.Fatalf("third acquire err = %v, want ErrTooManyConnections", err)
	}

	r1()
	if _, err := g.AcquireSlots("10.0.0.1", "s3"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireSlotsPerSessionCap(t *testing.T) {
	g := testGuard()

	if _, err := g.AcquireSlots("10.0.0.1", "s1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := g.AcquireSlots("10.0.0.2", "s1"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := g.AcquireSlots("10.0.0.3", "s1"); err != ErrTooManyConnections {
		t.Fatalf("third acquire err = %v, want ErrTooManyConnections", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	g := testGuard()

	release, err := g.AcquireSlots("10.0.0.1", "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // double release must not free a slot twice

	if _, err := g.AcquireSlots("10.0.0.1", "s1"); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if _, err := g.AcquireSlots("10.0.0.1", "s1"); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if _, err := g.AcquireSlots("10.0.0.1", "s1"); err != ErrTooManyConnections {
		t.Fatalf("acquire 3 err = %v, want ErrTooManyConnections", err)
	}
}

func TestGuardGC(t *testing.T) {
	g := NewGuard(GuardConfig{
		HandshakeWindow:    time.Millisecond,
		HandshakeBudget:    1,
		MaxConnsPerAddress: 1,
		MaxConnsPerSession: 1,
	})

	g.AdmitHandshake("10.0.0.1")
	release, err := g.AcquireSlots("10.0.0.2", "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.AdmitHandshake("10.0.0.2")

	time.Sleep(5 * time.Millisecond)
	g.GC()

	// 10.0.0.1 is idle and slotless; 10.0.0.2 still holds a slot.
	if got := g.limiterCount(); got != 1 {
		t.Fatalf("limiterCount = %d, want 1", got)
	}

	release()
	time.Sleep(5 * time.Millisecond)
	g.GC()
	if got := g.limiterCount(); got != 0 {
		t.Fatalf("limiterCount after release = %d, want 0", got)
	}
}
