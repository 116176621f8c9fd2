package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultPlayerCommand plays an MP3 file headlessly and exits at its end.
const DefaultPlayerCommand = "ffplay -nodisp -autoexit -loglevel quiet"

// ExecPlayer plays audio by writing it to a temporary file and running an
// external player with the file path as its last argument.
type ExecPlayer struct {
	command string
	args    []string
	tempDir string
}

// NewExecPlayer parses a command line such as DefaultPlayerCommand. An empty
// command line selects the default. tempDir may be empty for os.TempDir.
func NewExecPlayer(cmdline, tempDir string) (*ExecPlayer, error) {
	if strings.TrimSpace(cmdline) == "" {
		cmdline = DefaultPlayerCommand
	}
	fields := strings.Fields(cmdline)
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("audio player %q not found: %w", fields[0], err)
	}
	return &ExecPlayer{command: fields[0], args: fields[1:], tempDir: tempDir}, nil
}

// Play starts the player on a temp copy of audio.
func (p *ExecPlayer) Play(audio []byte) (Stream, error) {
	f, err := os.CreateTemp(p.tempDir, "mindfulcoach-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("create audio temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(audio); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write audio temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close audio temp file: %w", err)
	}

	args := append(append([]string(nil), p.args...), path)
	cmd := exec.Command(p.command, args...)
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("start audio player: %w", err)
	}
	slog.Debug("ExecPlayer.Play: player started", "pid", cmd.Process.Pid, "path", path)

	s := &execStream{cmd: cmd, path: path, done: make(chan struct{})}
	go s.wait()
	return s, nil
}

type execStream struct {
	cmd  *exec.Cmd
	path string
	done chan struct{}

	once    sync.Once
	mu      sync.Mutex
	stopped bool
	err     error
}

// wait owns cmd.Wait and removes the temp file once the player exits.
func (s *execStream) wait() {
	err := s.cmd.Wait()
	s.mu.Lock()
	if !s.stopped {
		s.err = err
	}
	s.mu.Unlock()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Warn("execStream.wait: temp file not removed", "error", rmErr, "path", s.path)
	}
	close(s.done)
}

func (s *execStream) Stop() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		select {
		case <-s.done:
			return
		default:
		}
		if killErr := s.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill audio player: %w", killErr)
		}
		<-s.done
	})
	return err
}

func (s *execStream) Done() <-chan struct{} {
	return s.done
}

func (s *execStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
