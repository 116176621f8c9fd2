package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/BTreeMap/MindfulCoach/internal/messaging"
	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// LogNotifier shows reminders in the process log. It starts in the default
// state and grants on the first request, like a desktop prompt the user
// accepts.
type LogNotifier struct {
	mu      sync.Mutex
	granted bool
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier returns a log notifier awaiting its first request.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Permission returns the current state without prompting.
func (n *LogNotifier) Permission(ctx context.Context) (models.PermissionState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.granted {
		return models.PermissionGranted, nil
	}
	return models.PermissionDefault, nil
}

// RequestPermission grants and remembers the grant.
func (n *LogNotifier) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.granted = true
	return models.PermissionGranted, nil
}

// Show logs the reminder at info level.
func (n *LogNotifier) Show(ctx context.Context, note models.Notification) error {
	slog.Info("Reminder", "title", note.Title, "body", note.Body, "task_id", note.TaskID)
	return nil
}

// MessagingNotifier delivers reminders as WhatsApp messages. Configuring a
// valid recipient is the user's consent, so permission is granted exactly
// when the recipient validates.
type MessagingNotifier struct {
	svc       messaging.Service
	recipient string
}

var _ Notifier = (*MessagingNotifier)(nil)

// NewMessagingNotifier sends reminders to recipient through svc.
func NewMessagingNotifier(svc messaging.Service, recipient string) *MessagingNotifier {
	return &MessagingNotifier{svc: svc, recipient: recipient}
}

// Permission reports granted when the recipient is valid.
func (n *MessagingNotifier) Permission(ctx context.Context) (models.PermissionState, error) {
	return n.RequestPermission(ctx)
}

// RequestPermission re-validates the recipient.
func (n *MessagingNotifier) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	if _, err := n.svc.ValidateAndCanonicalizeRecipient(n.recipient); err != nil {
		slog.Warn("MessagingNotifier: recipient rejected", "error", err)
		return models.PermissionDenied, nil
	}
	return models.PermissionGranted, nil
}

// Show sends the reminder title and body as one text message.
func (n *MessagingNotifier) Show(ctx context.Context, note models.Notification) error {
	if err := n.svc.SendMessage(ctx, n.recipient, note.Title+"\n"+note.Body); err != nil {
		return fmt.Errorf("send reminder %q: %w", note.TaskID, err)
	}
	return nil
}

// DefaultMQTTTopic is where MQTTNotifier publishes when no topic is set.
const DefaultMQTTTopic = "mindfulcoach/reminders"

// Timeouts used by MQTTNotifier while waiting for the broker.
const (
	MQTTPermissionCheck = 200 * time.Millisecond
	MQTTPermissionWait  = 10 * time.Second
)

// mqttConn is the part of autopaho.ConnectionManager the notifier uses.
type mqttConn interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

var _ mqttConn = (*autopaho.ConnectionManager)(nil)

// MQTTNotifier publishes reminders as JSON to an MQTT topic, for home
// automation dashboards or phone push bridges. Permission is granted once
// the broker connection is up.
type MQTTNotifier struct {
	conn  mqttConn
	topic string
}

var _ Notifier = (*MQTTNotifier)(nil)

// NewMQTTNotifier wraps an established autopaho connection.
func NewMQTTNotifier(cm *autopaho.ConnectionManager, topic string) *MQTTNotifier {
	return newMQTTNotifier(cm, topic)
}

func newMQTTNotifier(conn mqttConn, topic string) *MQTTNotifier {
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	return &MQTTNotifier{conn: conn, topic: topic}
}

// Permission reports granted when the broker is already connected and
// default otherwise, so the first enable waits for the connection.
func (n *MQTTNotifier) Permission(ctx context.Context) (models.PermissionState, error) {
	check, cancel := context.WithTimeout(ctx, MQTTPermissionCheck)
	defer cancel()
	if err := n.conn.AwaitConnection(check); err != nil {
		return models.PermissionDefault, nil
	}
	return models.PermissionGranted, nil
}

// RequestPermission waits for the broker connection.
func (n *MQTTNotifier) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	wait, cancel := context.WithTimeout(ctx, MQTTPermissionWait)
	defer cancel()
	if err := n.conn.AwaitConnection(wait); err != nil {
		slog.Warn("MQTTNotifier: broker unreachable", "topic", n.topic, "error", err)
		return models.PermissionDenied, nil
	}
	return models.PermissionGranted, nil
}

// Show publishes the reminder as JSON with QoS 1.
func (n *MQTTNotifier) Show(ctx context.Context, note models.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}
	if _, err := n.conn.Publish(ctx, &paho.Publish{
		Topic:   n.topic,
		QoS:     1,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish reminder %q: %w", note.TaskID, err)
	}
	return nil
}
