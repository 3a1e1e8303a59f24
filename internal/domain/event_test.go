package domain

import (
	"testing"
	"time"
)

func TestIsLifecycle(t *testing.T) {
	cases := []struct {
		name EventType
		want bool
	}{
		{EventGatewayConnected, true},
		{EventGatewayDisconnected, true},
		{EventGatewayError, true},
		{"chat.message", false},
		{"tick", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsLifecycle(tc.name); got != tc.want {
			t.Errorf("IsLifecycle(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewReceiptID(t *testing.T) {
	now := time.Now()
	id := NewReceiptID(now)
	if len(id) != 26 {
		t.Fatalf("receipt id %q: len = %d, want 26", id, len(id))
	}
	if id == NewReceiptID(now.Add(time.Millisecond)) {
		t.Error("receipt ids for different times should differ")
	}
}
