// Package events provides the publish/subscribe bus that lets observers
// (the websocket stream, tests, the console) follow session state. Components
// publish after every mutation; the bus is nil-safe, so calling Publish on a
// nil *Bus is a no-op and components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceCoach identifies events from the conversation orchestrator.
	SourceCoach = "coach"
	// SourceAudio identifies events from the audio playback manager.
	SourceAudio = "audio"
	// SourceNotify identifies events from the notification scheduler.
	SourceNotify = "notify"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageAppended signals a new message at the end of the list.
	// Data: message_id, sender.
	KindMessageAppended = "message_appended"
	// KindBusyChanged signals the busy gate flipped.
	// Data: busy.
	KindBusyChanged = "busy_changed"
	// KindMoodPicker signals the mood picker opened or closed.
	// Data: open.
	KindMoodPicker = "mood_picker"
	// KindAudioState signals a message's audio state changed.
	// Data: message_id, state.
	KindAudioState = "audio_state"
	// KindPermission signals the notification permission changed.
	// Data: permission.
	KindPermission = "permission"
	// KindNotificationSent signals a reminder was shown.
	// Data: task_id, title.
	KindNotificationSent = "notification_sent"
	// KindDailyReset signals the per-day reminder set was cleared.
	KindDailyReset = "daily_reset"
	// KindSettingChanged signals a task reminder was toggled.
	// Data: task_id, enabled.
	KindSettingChanged = "setting_changed"
)

// Event represents a single state change published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Listener is called synchronously, in publish order, for every event.
// Listeners must not block.
type Listener func(Event)

// Bus broadcasts events to synchronous listeners and to buffered channel
// subscribers. Slow channel subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[chan Event]struct{}
	listeners map[int]Listener
	nextID    int
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		listeners:  make(map[int]Listener),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers an event to all listeners and subscribers. A zero
// Timestamp is filled in. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for id := 0; id < b.nextID; id++ {
		if l, ok := b.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

// Listen registers a synchronous listener and returns a function that
// removes it.
func (b *Bus) Listen(l Listener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of channel subscribers and listeners.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) + len(b.listeners)
}
