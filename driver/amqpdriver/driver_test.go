package amqpdriver

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestPrefixReadyAtRoundTrip(t *testing.T) {
	readyAt := time.Now().Add(time.Minute)
	body := []byte("hello")
	prefixed := prefixReadyAt(readyAt, body)

	if len(prefixed) != 8+len(body) {
		t.Fatalf("expected %d bytes, got %d", 8+len(body), len(prefixed))
	}
	if string(prefixed[8:]) != string(body) {
		t.Fatalf("body mismatch after prefixing: %q", prefixed[8:])
	}
}

func TestAttemptFromHeadersDefaultsToOne(t *testing.T) {
	if got := attemptFromHeaders(nil); got != 1 {
		t.Fatalf("expected default attempt 1, got %d", got)
	}
	if got := attemptFromHeaders(amqp.Table{}); got != 1 {
		t.Fatalf("expected default attempt 1 for empty table, got %d", got)
	}
}

func TestWithAttemptIncrementsAndPreservesOtherHeaders(t *testing.T) {
	h := amqp.Table{"x-reason": "boom"}
	out := withAttempt(h, 3)

	if out["x-reason"] != "boom" {
		t.Fatalf("expected unrelated header preserved, got %v", out["x-reason"])
	}
	if got := attemptFromHeaders(out); got != 3 {
		t.Fatalf("expected attempt 3, got %d", got)
	}
	if len(h) != 1 {
		t.Fatal("withAttempt must not mutate its input table")
	}
}
