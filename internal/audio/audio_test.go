package audio

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// fakeStates implements MessageStates over a map.
type fakeStates struct {
	mu     sync.Mutex
	states map[string]models.AudioState
}

func newFakeStates(ids ...string) *fakeStates {
	f := &fakeStates{states: make(map[string]models.AudioState)}
	for _, id := range ids {
		f.states[id] = models.AudioIdle
	}
	return f
}

func (f *fakeStates) AudioState(id string) (models.AudioState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	return st, ok
}

func (f *fakeStates) SetAudioState(id string, st models.AudioState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; ok {
		f.states[id] = st
	}
}

func (f *fakeStates) ResetAudioStates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.states {
		f.states[id] = models.AudioIdle
	}
}

func (f *fakeStates) get(id string) models.AudioState {
	st, _ := f.AudioState(id)
	return st
}

func (f *fakeStates) countNonIdle() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.states {
		if st != models.AudioIdle {
			n++
		}
	}
	return n
}

// mockSynth returns canned audio; when gate is set it blocks until released.
type mockSynth struct {
	mu    sync.Mutex
	err   error
	gates map[string]chan struct{}
	calls int
}

func (m *mockSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gates[text]
	err := m.err
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return []byte("mp3:" + text), nil
}

// mockStream is a controllable Stream.
type mockStream struct {
	mu      sync.Mutex
	stops   int
	done    chan struct{}
	once    sync.Once
	finErr  error
	stopped bool
}

func newMockStream() *mockStream {
	return &mockStream{done: make(chan struct{})}
}

func (s *mockStream) Stop() error {
	s.mu.Lock()
	s.stops++
	s.stopped = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *mockStream) finish(err error) {
	s.mu.Lock()
	s.finErr = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *mockStream) Done() <-chan struct{} { return s.done }

func (s *mockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finErr
}

func (s *mockStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// mockPlayer records every stream it starts.
type mockPlayer struct {
	mu      sync.Mutex
	err     error
	streams []*mockStream
}

func (p *mockPlayer) Play(audio []byte) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := newMockStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *mockPlayer) stream(i int) *mockStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func botMessage(id, text string) models.Message {
	return models.Message{ID: id, Sender: models.SenderBot, Text: text, AudioState: models.AudioIdle}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRequestPlayback_PlaysThenToggles(t *testing.T) {
	states := newFakeStates("b1")
	player := &mockPlayer{}
	m := NewManager(&mockSynth{}, player, states)

	if err := m.RequestPlayback(context.Background(), botMessage("b1", "Привет")); err != nil {
		t.Fatalf("RequestPlayback() error = %v", err)
	}
	if got := states.get("b1"); got != models.AudioPlaying {
		t.Fatalf("state = %s, want playing", got)
	}
	if id, ok := m.Playing(); !ok || id != "b1" {
		t.Errorf("Playing() = %q, %v", id, ok)
	}

	// Second press toggles off.
	msg := botMessage("b1", "Привет")
	msg.AudioState = models.AudioPlaying
	if err := m.RequestPlayback(context.Background(), msg); err != nil {
		t.Fatalf("toggle error = %v", err)
	}
	if got := states.get("b1"); got != models.AudioIdle {
		t.Errorf("state after toggle = %s, want idle", got)
	}
	if n := player.stream(0).stopCount(); n != 1 {
		t.Errorf("stream stopped %d times, want 1", n)
	}
	if len(player.streams) != 1 {
		t.Errorf("toggle must not start a new stream")
	}
}

func TestRequestPlayback_LiveStateToggles(t *testing.T) {
	states := newFakeStates("b1")
	player := &mockPlayer{}
	m := NewManager(&mockSynth{}, player, states)

	m.RequestPlayback(context.Background(), botMessage("b1", "one"))
	// Stale snapshot says idle but the live state is playing.
	m.RequestPlayback(context.Background(), botMessage("b1", "one"))
	if got := states.get("b1"); got != models.AudioIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if len(player.streams) != 1 {
		t.Errorf("streams = %d, want 1", len(player.streams))
	}
}

func TestRequestPlayback_AtMostOnePlaying(t *testing.T) {
	states := newFakeStates("b1", "b2", "b3")
	player := &mockPlayer{}
	m := NewManager(&mockSynth{}, player, states)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		if err := m.RequestPlayback(ctx, botMessage(id, "text "+id)); err != nil {
			t.Fatalf("RequestPlayback(%s) error = %v", id, err)
		}
		if n := states.countNonIdle(); n != 1 {
			t.Fatalf("after %s: %d non-idle messages, want 1", id, n)
		}
	}
	if got := states.get("b3"); got != models.AudioPlaying {
		t.Errorf("b3 = %s, want playing", got)
	}
	if player.stream(0).stopCount() != 1 || player.stream(1).stopCount() != 1 {
		t.Error("previous streams must be released exactly once")
	}
	if player.stream(2).stopCount() != 0 {
		t.Error("current stream must not be released")
	}
}

func TestRequestPlayback_StaleSynthesisDiscarded(t *testing.T) {
	states := newFakeStates("b1", "b2")
	gate := make(chan struct{})
	synth := &mockSynth{gates: map[string]chan struct{}{"slow": gate}}
	player := &mockPlayer{}
	m := NewManager(synth, player, states)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		m.RequestPlayback(ctx, botMessage("b1", "slow"))
		close(done)
	}()
	waitFor(t, func() bool { return states.get("b1") == models.AudioLoading })

	// A newer request supersedes the pending one.
	if err := m.RequestPlayback(ctx, botMessage("b2", "fast")); err != nil {
		t.Fatalf("RequestPlayback(b2) error = %v", err)
	}
	close(gate)
	<-done

	if got := states.get("b1"); got != models.AudioIdle {
		t.Errorf("b1 = %s, want idle", got)
	}
	if got := states.get("b2"); got != models.AudioPlaying {
		t.Errorf("b2 = %s, want playing", got)
	}
	if len(player.streams) != 1 {
		t.Errorf("stale synthesis must not start playback, streams = %d", len(player.streams))
	}
}

func TestRequestPlayback_StopDuringLoading(t *testing.T) {
	states := newFakeStates("b1")
	gate := make(chan struct{})
	player := &mockPlayer{}
	m := NewManager(&mockSynth{gates: map[string]chan struct{}{"slow": gate}}, player, states)

	done := make(chan struct{})
	go func() {
		m.RequestPlayback(context.Background(), botMessage("b1", "slow"))
		close(done)
	}()
	waitFor(t, func() bool { return states.get("b1") == models.AudioLoading })

	m.StopAll()
	close(gate)
	<-done

	if got := states.get("b1"); got != models.AudioIdle {
		t.Errorf("b1 = %s, want idle", got)
	}
	if len(player.streams) != 0 {
		t.Errorf("streams = %d, want 0", len(player.streams))
	}
}

func TestRequestPlayback_Failures(t *testing.T) {
	tests := []struct {
		name   string
		synth  *mockSynth
		player *mockPlayer
	}{
		{name: "synthesis error", synth: &mockSynth{err: errors.New("tts down")}, player: &mockPlayer{}},
		{name: "player error", synth: &mockSynth{}, player: &mockPlayer{err: errors.New("no device")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := newFakeStates("b1")
			m := NewManager(tt.synth, tt.player, states)
			if err := m.RequestPlayback(context.Background(), botMessage("b1", "text")); err != nil {
				t.Fatalf("failures must only be logged, got %v", err)
			}
			if got := states.get("b1"); got != models.AudioIdle {
				t.Errorf("state = %s, want idle", got)
			}
		})
	}
}

func TestRequestPlayback_UnknownAndEmpty(t *testing.T) {
	states := newFakeStates("b1")
	m := NewManager(&mockSynth{}, &mockPlayer{}, states)

	if err := m.RequestPlayback(context.Background(), botMessage("nope", "text")); !errors.Is(err, models.ErrUnknownMessage) {
		t.Errorf("expected ErrUnknownMessage, got %v", err)
	}
	msg := botMessage("b1", "[chart]")
	msg.ContainsChart = true
	msg.ChartOffset = 0
	if err := m.RequestPlayback(context.Background(), msg); !errors.Is(err, ErrNotPlayable) {
		t.Errorf("expected ErrNotPlayable, got %v", err)
	}
}

func TestSpeechStopsBeforeChart(t *testing.T) {
	states := newFakeStates("b1")
	synth := &recordingSynth{}
	m := NewManager(synth, &mockPlayer{}, states)

	msg := botMessage("b1", "Вот ваш отчёт. Подробности ниже")
	msg.ContainsChart = true
	msg.ChartOffset = len("Вот ваш отчёт.")
	m.RequestPlayback(context.Background(), msg)
	if synth.text != "Вот ваш отчёт." {
		t.Errorf("synthesized %q", synth.text)
	}
}

type recordingSynth struct{ text string }

func (r *recordingSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	r.text = text
	return []byte{1}, nil
}

func TestStreamEndResetsState(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "natural end"},
		{name: "stream error", err: errors.New("decoder failed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := newFakeStates("b1")
			player := &mockPlayer{}
			m := NewManager(&mockSynth{}, player, states)

			m.RequestPlayback(context.Background(), botMessage("b1", "text"))
			player.stream(0).finish(tt.err)

			waitFor(t, func() bool { return states.get("b1") == models.AudioIdle })
			waitFor(t, func() bool { _, ok := m.Playing(); return !ok })
		})
	}
}

func TestStopAllIdempotent(t *testing.T) {
	states := newFakeStates("b1")
	player := &mockPlayer{}
	m := NewManager(&mockSynth{}, player, states)

	m.StopAll()
	m.RequestPlayback(context.Background(), botMessage("b1", "text"))
	m.StopAll()
	m.StopAll()

	if n := player.stream(0).stopCount(); n != 1 {
		t.Errorf("stream stopped %d times, want 1", n)
	}
	if n := states.countNonIdle(); n != 0 {
		t.Errorf("%d non-idle messages after StopAll", n)
	}
}

func TestExecPlayer_StopKillsAndRemovesFile(t *testing.T) {
	if _, err := exec.LookPath("tail"); err != nil {
		t.Skip("tail not available")
	}
	dir := t.TempDir()
	p, err := NewExecPlayer("tail -f", dir)
	if err != nil {
		t.Fatalf("NewExecPlayer() error = %v", err)
	}
	s, err := p.Play([]byte("fake mp3"))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "mindfulcoach-*.mp3"))
	if len(files) != 1 {
		t.Fatalf("temp files = %v, want 1", files)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not done after Stop")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() after Stop = %v, want nil", err)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Errorf("temp file still present: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestExecPlayer_NaturalEnd(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewExecPlayer("cat", t.TempDir())
	if err != nil {
		t.Fatalf("NewExecPlayer() error = %v", err)
	}
	s, err := p.Play([]byte("x"))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestNewExecPlayer_MissingCommand(t *testing.T) {
	if _, err := NewExecPlayer("definitely-not-a-player-binary", ""); err == nil {
		t.Error("expected error for missing player")
	}
}
