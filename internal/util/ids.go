// Package util provides utility functions for the MindfulCoach application.
package util

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Message ID prefixes keep user and bot messages distinguishable in logs.
const (
	UserMessagePrefix = "u_"
	BotMessagePrefix  = "b_"
)

// NewOrderedID returns prefix followed by a version 7 UUID. V7 UUIDs embed a
// millisecond timestamp plus a monotonic counter, so IDs generated by this
// process sort in creation order even within the same millisecond.
func NewOrderedID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		slog.Warn("NewOrderedID: uuid v7 generation failed, using v4", "error", err)
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// NewMessageID generates a unique, creation-ordered ID for a chat message.
func NewMessageID(bot bool) string {
	if bot {
		return NewOrderedID(BotMessagePrefix)
	}
	return NewOrderedID(UserMessagePrefix)
}
