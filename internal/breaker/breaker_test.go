package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(Options{Threshold: 3, Window: 10 * time.Second, OpenFor: 5 * time.Second})
	b.now = func() time.Time { return now }

	if b.Failure("presence") || b.Failure("presence") {
		t.Fatalf("breaker opened before threshold")
	}
	if !b.Failure("presence") {
		t.Fatalf("expected breaker to open on third failure")
	}
	if b.Allow("presence") {
		t.Fatalf("expected open breaker to reject")
	}
	if !b.Allow("other") {
		t.Fatalf("keys must be independent")
	}

	now = now.Add(6 * time.Second)
	if !b.Allow("presence") {
		t.Fatalf("expected probe to be allowed after open period")
	}
	b.Success("presence")
	if !b.Allow("presence") {
		t.Fatalf("expected closed after success")
	}
}

func TestBreakerWindowResets(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(Options{Threshold: 2, Window: time.Second, OpenFor: time.Second})
	b.now = func() time.Time { return now }

	b.Failure("k")
	now = now.Add(2 * time.Second)
	if b.Failure("k") {
		t.Fatalf("failure outside window must not trip the breaker")
	}
}
