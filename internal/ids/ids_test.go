package ids

import (
	"testing"
	"time"
)

func TestNewAtIsMonotonic(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestValid(t *testing.T) {
	if !Valid(New()) {
		t.Fatal("freshly minted id rejected")
	}
	if Valid("not-an-id") {
		t.Fatal("garbage accepted as id")
	}
}
