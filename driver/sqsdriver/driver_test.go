package sqsdriver

import (
	"testing"
	"time"
)

func TestMaxSQSDelayCap(t *testing.T) {
	if maxSQSDelay != 900*time.Second {
		t.Fatalf("expected 900s delay cap, got %v", maxSQSDelay)
	}
}

func TestIsReceiptExpiredNilError(t *testing.T) {
	if isReceiptExpired(nil) {
		t.Fatal("nil error must not be treated as an expired receipt")
	}
}
