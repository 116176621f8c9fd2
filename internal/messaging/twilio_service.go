package messaging

import (
	"context"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Twilio reports
// delivery through status callbacks, which MindfulCoach does not expose, so
// only sent receipts are emitted.
type TwilioService struct {
	client   twiliowhatsapp.TwilioWhatsAppSender
	receipts *receiptSink
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{client: client, receipts: newReceiptSink()}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes Receipts.
func (s *TwilioService) Stop() error {
	s.receipts.close()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.receipts.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		return err
	}
	s.receipts.emit(Receipt{To: canonical, Status: ReceiptSent, Time: time.Now()})
	return nil
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan Receipt {
	return s.receipts.ch
}
