// Package messaging delivers reminder texts to a phone over WhatsApp, either
// through a linked whatsmeow session or through Twilio.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	// DefaultChannelBufferSize is the buffer size of the receipts channel.
	DefaultChannelBufferSize = 100
	// MinPhoneDigits is the shortest accepted canonical phone number.
	MinPhoneDigits = 6
)

var (
	// ErrServiceStopped is returned by SendMessage after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")

	nonDigits = regexp.MustCompile(`\D`)
)

// ReceiptStatus is the delivery state reported for a sent message.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
)

// Receipt reports the delivery progress of one message.
type Receipt struct {
	To     string        `json:"to"`
	Status ReceiptStatus `json:"status"`
	Time   time.Time     `json:"time"`
}

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns
	// the form the service sends to.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes Receipts.
	Stop() error

	// Receipts returns a channel of delivery receipts.
	Receipts() <-chan Receipt
}

// canonicalPhone strips everything but digits and checks the length.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	return canonical, nil
}
