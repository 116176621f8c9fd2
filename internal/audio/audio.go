// Package audio manages text-to-speech playback of bot messages. At most one
// message is loading or playing at a time; every other message is idle.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// ErrNotPlayable is returned for messages that have no speakable text.
var ErrNotPlayable = errors.New("message has no speakable text")

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player starts playback of encoded audio. The returned stream outlives the
// call; releasing it must free every resource Play acquired.
type Player interface {
	Play(audio []byte) (Stream, error)
}

// Stream is one live playback.
type Stream interface {
	// Stop halts playback and releases the stream's resources. Idempotent.
	Stop() error
	// Done is closed when playback ends, naturally or after Stop.
	Done() <-chan struct{}
	// Err reports why playback ended, nil on a clean finish or Stop.
	Err() error
}

// MessageStates is the narrow view of the conversation the manager may
// touch: the audio state of individual messages.
type MessageStates interface {
	AudioState(id string) (models.AudioState, bool)
	SetAudioState(id string, st models.AudioState)
	ResetAudioStates()
}

type session struct {
	stream    Stream
	messageID string
	once      sync.Once
}

func (s *session) release() {
	s.once.Do(func() {
		if err := s.stream.Stop(); err != nil {
			slog.Warn("Manager.release: stream stop failed", "error", err, "message_id", s.messageID)
		}
	})
}

// Manager owns the single audio session.
type Manager struct {
	synth  Synthesizer
	player Player
	states MessageStates

	mu     sync.Mutex
	gen    uint64
	active *session
}

// NewManager wires a manager to its collaborators.
func NewManager(synth Synthesizer, player Player, states MessageStates) *Manager {
	return &Manager{synth: synth, player: player, states: states}
}

// RequestPlayback toggles playback for msg. If msg (as the caller saw it) or
// its live state is playing, everything stops. Otherwise any other playback
// stops, msg goes to loading while speech is synthesized, then to playing.
// Synthesis or player failures revert msg to idle and are only logged; a
// result that arrives after the request was superseded is discarded.
func (m *Manager) RequestPlayback(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	live, ok := m.states.AudioState(msg.ID)
	if !ok {
		m.mu.Unlock()
		return models.ErrUnknownMessage
	}
	if msg.AudioState == models.AudioPlaying || live == models.AudioPlaying {
		m.stopAllLocked()
		m.mu.Unlock()
		slog.Debug("Manager.RequestPlayback: toggled off", "message_id", msg.ID)
		return nil
	}
	text := msg.SpeechText()
	if text == "" {
		m.mu.Unlock()
		return ErrNotPlayable
	}

	m.stopAllLocked()
	m.gen++
	gen := m.gen
	m.states.SetAudioState(msg.ID, models.AudioLoading)
	m.mu.Unlock()

	audio, err := m.synth.Synthesize(ctx, text)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stillLoadingLocked(msg.ID, gen) {
		slog.Debug("Manager.RequestPlayback: discarding stale synthesis", "message_id", msg.ID, "gen", gen)
		return nil
	}
	if err != nil {
		slog.Error("Manager.RequestPlayback: synthesis failed", "error", err, "message_id", msg.ID)
		m.states.SetAudioState(msg.ID, models.AudioIdle)
		return nil
	}

	stream, err := m.player.Play(audio)
	if err != nil {
		slog.Error("Manager.RequestPlayback: playback failed", "error", err, "message_id", msg.ID)
		m.states.SetAudioState(msg.ID, models.AudioIdle)
		return nil
	}

	sess := &session{stream: stream, messageID: msg.ID}
	m.active = sess
	m.states.SetAudioState(msg.ID, models.AudioPlaying)
	slog.Debug("Manager.RequestPlayback: playing", "message_id", msg.ID, "bytes", len(audio))

	go m.watch(sess)
	return nil
}

func (m *Manager) stillLoadingLocked(id string, gen uint64) bool {
	if gen != m.gen {
		return false
	}
	st, ok := m.states.AudioState(id)
	return ok && st == models.AudioLoading
}

// watch tears the session down when its stream ends on its own.
func (m *Manager) watch(sess *session) {
	<-sess.stream.Done()
	if err := sess.stream.Err(); err != nil {
		slog.Warn("Manager.watch: playback ended with error", "error", err, "message_id", sess.messageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != sess {
		return
	}
	m.stopAllLocked()
}

// StopAll stops any live playback, releases its resources and returns every
// message to idle. Safe to call when nothing is playing.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAllLocked()
}

func (m *Manager) stopAllLocked() {
	// Invalidate in-flight synthesis.
	m.gen++
	if m.active != nil {
		m.active.release()
		m.active = nil
	}
	m.states.ResetAudioStates()
}

// Playing returns the id of the message being played, if any.
func (m *Manager) Playing() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.messageID, true
}

// Close releases the live session.
func (m *Manager) Close() {
	m.StopAll()
}
