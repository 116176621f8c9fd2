// Package testutil provides common test utilities and helpers for MindfulCoach tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/store"
)

// DefaultGreeting is what ScriptedChat answers to the greeting request.
const DefaultGreeting = "Здравствуйте!"

// DefaultReply is what ScriptedChat answers once Replies is exhausted.
const DefaultReply = "Понимаю."

// ScriptedChat is a chat collaborator that answers from a fixed script and
// records every request it receives.
type ScriptedChat struct {
	Greeting    string
	GreetingErr error
	Replies     []string
	Err         error

	mu    sync.Mutex
	calls []string
}

func (c *ScriptedChat) GetInitialGreeting(ctx context.Context) (string, error) {
	if c.GreetingErr != nil {
		return "", c.GreetingErr
	}
	if c.Greeting == "" {
		return DefaultGreeting, nil
	}
	return c.Greeting, nil
}

func (c *ScriptedChat) GetChatResponse(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, text)
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Replies) == 0 {
		return DefaultReply, nil
	}
	reply := c.Replies[0]
	c.Replies = c.Replies[1:]
	return reply, nil
}

// Calls returns a copy of the requests received so far.
func (c *ScriptedChat) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// LastCall returns the most recent request, or "" when there was none.
func (c *ScriptedChat) LastCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return ""
	}
	return c.calls[len(c.calls)-1]
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DoJSON serves one request with a JSON body against h.
func DoJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// MustMarshalJSON marshals v to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// SeedHistory stores one mood per rating, a day apart and ending at now,
// plus one journal entry per text stamped at now.
func SeedHistory(t *testing.T, st store.Store, now time.Time, ratings []int, journal ...string) {
	t.Helper()
	for i, rating := range ratings {
		entry := models.MoodEntry{
			Rating:    rating,
			Timestamp: now.AddDate(0, 0, i-len(ratings)+1),
		}
		if err := st.AddMood(entry); err != nil {
			t.Fatalf("failed to seed mood %d: %v", rating, err)
		}
	}
	for _, text := range journal {
		if err := st.AddJournalEntry(models.JournalEntry{Text: text, Timestamp: now}); err != nil {
			t.Fatalf("failed to seed journal entry: %v", err)
		}
	}
}
