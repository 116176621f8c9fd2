package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service on top of a whatsmeow session.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // nil when client is a mock
	receipts *receiptSink
	handler  uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{client: client, receipts: newReceiptSink()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the receipt handler on a live session.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live session, receipts limited to sends")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(func(evt any) {
		if r, ok := evt.(*events.Receipt); ok {
			s.handleReceipt(r)
		}
	})
	return nil
}

// Stop detaches from the session and closes Receipts.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handler != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	s.receipts.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.receipts.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage failed", "error", err, "to", canonical)
		return err
	}
	s.receipts.emit(Receipt{To: canonical, Status: ReceiptSent, Time: time.Now()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan Receipt {
	return s.receipts.ch
}

func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	var status ReceiptStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = ReceiptDelivered
	case events.ReceiptTypeRead:
		status = ReceiptRead
	default:
		return
	}
	s.receipts.emit(Receipt{To: evt.MessageSource.Chat.User, Status: status, Time: evt.Timestamp})
}
