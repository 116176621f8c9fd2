package util

import (
	"strings"
	"testing"
)

func TestNewMessageIDPrefix(t *testing.T) {
	tests := []struct {
		name       string
		bot        bool
		wantPrefix string
	}{
		{"user message", false, UserMessagePrefix},
		{"bot message", true, BotMessagePrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewMessageID(tt.bot)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("NewMessageID() = %v, want prefix %v", got, tt.wantPrefix)
			}
			if len(got) != len(tt.wantPrefix)+32 {
				t.Errorf("NewMessageID() length = %v, want %v", len(got), len(tt.wantPrefix)+32)
			}
		})
	}
}

func TestNewOrderedIDMonotonic(t *testing.T) {
	prev := NewOrderedID("")
	seen := map[string]bool{prev: true}
	for i := 0; i < 1000; i++ {
		next := NewOrderedID("")
		if seen[next] {
			t.Fatalf("duplicate id %s", next)
		}
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		seen[next] = true
		prev = next
	}
}
