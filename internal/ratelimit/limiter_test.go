package ratelimit

import (
	"testing"
	"time"
)

func TestAllowDepletesAndRefills(t *testing.T) {
	l := New(3, 1) // 3 tokens, refill 1/sec
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.allowAt("s1", now) {
			t.Fatalf("expected request %d to be admitted", i)
		}
	}
	if l.allowAt("s1", now) {
		t.Fatal("expected 4th request to be rejected, bucket depleted")
	}

	later := now.Add(2 * time.Second)
	if !l.allowAt("s1", later) {
		t.Fatal("expected request to be admitted after refill")
	}
}

func TestAllowCapsAtMaxTokens(t *testing.T) {
	l := New(5, 100)
	now := time.Now()
	l.allowAt("s1", now)

	farFuture := now.Add(time.Hour)
	admitted := 0
	for i := 0; i < 10; i++ {
		if l.allowAt("s1", farFuture) {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("expected exactly 5 admitted (capacity), got %d", admitted)
	}
}

func TestReleaseResetsBucket(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	l.allowAt("s1", now)
	if l.allowAt("s1", now) {
		t.Fatal("expected bucket depleted")
	}

	l.Release("s1")
	if !l.allowAt("s1", now) {
		t.Fatal("expected fresh bucket after release to admit")
	}
}

func TestBucketsAreIndependentPerSession(t *testing.T) {
	l := New(1, 0)
	now := time.Now()

	if !l.allowAt("a", now) {
		t.Fatal("expected a to be admitted")
	}
	if !l.allowAt("b", now) {
		t.Fatal("expected b to have its own independent bucket")
	}
}
