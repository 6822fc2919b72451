package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Second, 5)
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l := New(2, time.Second, 5)
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	if l.Allow("1.2.3.4") {
		t.Error("third request should be rejected")
	}
}

func TestAllowIsPerAddress(t *testing.T) {
	l := New(1, time.Second, 5)
	if !l.Allow("1.1.1.1") {
		t.Fatal("first address first request should be allowed")
	}
	if !l.Allow("2.2.2.2") {
		t.Error("a different address must have its own independent budget")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(1, 50*time.Millisecond, 5)
	if !l.Allow("1.2.3.4") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("second immediate request should be rejected")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Error("request after window elapsed should be allowed again")
	}
}

func TestResetClearsBuckets(t *testing.T) {
	l := New(1, time.Second, 5)
	l.Allow("1.2.3.4")
	l.Reset()
	if got := l.TrackedAddresses(); got != 0 {
		t.Errorf("TrackedAddresses() after Reset = %d, want 0", got)
	}
}

func TestShouldForceCloseAfterConsecutiveViolations(t *testing.T) {
	l := New(1, time.Second, 3)
	l.Allow("1.2.3.4")
	for i := 0; i < 2; i++ {
		l.Allow("1.2.3.4")
		if l.ShouldForceClose("1.2.3.4") {
			t.Fatalf("should not force close after %d violations", i+1)
		}
	}
	l.Allow("1.2.3.4")
	if !l.ShouldForceClose("1.2.3.4") {
		t.Error("should force close after 3 consecutive violations")
	}
}

func TestShouldForceCloseResetsOnAllowedRequest(t *testing.T) {
	l := New(1, time.Second, 2)
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	if !l.ShouldForceClose("1.2.3.4") {
		t.Fatal("expected force close after 2 violations")
	}
	time.Sleep(1100 * time.Millisecond)
	l.Allow("1.2.3.4")
	if l.ShouldForceClose("1.2.3.4") {
		t.Error("an allowed request should reset the violation counter")
	}
}

func TestMaxViolationsZeroDisablesForceClose(t *testing.T) {
	l := New(1, time.Second, 0)
	l.Allow("1.2.3.4")
	for i := 0; i < 10; i++ {
		l.Allow("1.2.3.4")
	}
	if l.ShouldForceClose("1.2.3.4") {
		t.Error("maxViolations 0 should never force close")
	}
}
