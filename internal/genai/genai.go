// Package genai provides the remote chat and speech-synthesis collaborators
// for MindfulCoach using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration constants
const (
	// DefaultModel is the chat model used when none is configured.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultSpeechModel is the text-to-speech model used when none is configured.
	DefaultSpeechModel = openai.SpeechModelTTS1
	// DefaultVoice is the text-to-speech voice used when none is configured.
	DefaultVoice = "nova"
	// DefaultHistoryLimit bounds the rolling conversation history sent with each request.
	DefaultHistoryLimit = 20
	// DefaultTimeout bounds each remote call.
	DefaultTimeout = 45 * time.Second
	// MaxSpeechInputLength is the longest text the speech endpoint accepts.
	MaxSpeechInputLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrNoAPIKey          = errors.New("OpenAI API key not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyAudio        = errors.New("speech synthesis returned no audio")
	ErrEmptyInput        = errors.New("input text cannot be empty")
)

// DefaultSystemPrompt describes the coach persona and the control markers the
// coach package understands.
const DefaultSystemPrompt = `Ты — доброжелательный AI-коуч по ментальному благополучию. Отвечай на русском языке, кратко и с поддержкой.
Если уместно спросить пользователя о настроении, добавь в ответ маркер [ASK_FOR_MOOD].
Если тебя просят отчёт с графиком настроения, вставь маркер [MOOD_CHART] туда, где должен быть график.
Можешь предложить до трёх коротких вариантов ответа в формате [QUICK_REPLIES: ["Вариант 1", "Вариант 2"]] в конце сообщения.`

// greetingRequest is sent as the first user turn to obtain the opening message.
const greetingRequest = "Поприветствуй меня и спроси, как я себя чувствую сегодня."

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// speechService defines minimal interface for text-to-speech.
type speechService interface {
	Create(ctx context.Context, params openai.AudioSpeechNewParams) ([]byte, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey       string
	BaseURL      string
	Model        string
	SpeechModel  string
	Voice        string
	SystemPrompt string
	HistoryLimit int
	Timeout      time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSpeechModel sets the text-to-speech model.
func WithSpeechModel(model string) Option {
	return func(o *Opts) { o.SpeechModel = model }
}

// WithVoice sets the text-to-speech voice.
func WithVoice(voice string) Option {
	return func(o *Opts) { o.Voice = voice }
}

// WithSystemPrompt replaces the coach persona prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithHistoryLimit bounds how many past messages are replayed to the model.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client is the remote chat and speech collaborator. It keeps a bounded
// rolling history so replies stay in context, like a chat session.
type Client struct {
	chat   chatService
	speech speechService

	model        openai.ChatModel
	speechModel  openai.SpeechModel
	voice        string
	systemPrompt string
	historyLimit int
	timeout      time.Duration

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	c := newClient(&completions{svc: &cli.Chat.Completions}, &speech{svc: &cli.Audio.Speech}, cfg)
	slog.Debug("GenAI client initialized", "model", c.model, "speech_model", c.speechModel, "voice", c.voice, "base_url_set", cfg.BaseURL != "")
	return c, nil
}

func newClient(chat chatService, sp speechService, cfg Opts) *Client {
	c := &Client{
		chat:         chat,
		speech:       sp,
		model:        DefaultModel,
		speechModel:  DefaultSpeechModel,
		voice:        DefaultVoice,
		systemPrompt: DefaultSystemPrompt,
		historyLimit: DefaultHistoryLimit,
		timeout:      DefaultTimeout,
	}
	if cfg.Model != "" {
		c.model = openai.ChatModel(cfg.Model)
	}
	if cfg.SpeechModel != "" {
		c.speechModel = openai.SpeechModel(cfg.SpeechModel)
	}
	if cfg.Voice != "" {
		c.voice = cfg.Voice
	}
	if cfg.SystemPrompt != "" {
		c.systemPrompt = cfg.SystemPrompt
	}
	if cfg.HistoryLimit > 0 {
		c.historyLimit = cfg.HistoryLimit
	}
	if cfg.Timeout > 0 {
		c.timeout = cfg.Timeout
	}
	return c
}

// GetInitialGreeting asks the model for the opening message of a session.
func (c *Client) GetInitialGreeting(ctx context.Context) (string, error) {
	return c.exchange(ctx, greetingRequest)
}

// GetChatResponse sends one user turn and returns the model's reply.
func (c *Client) GetChatResponse(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyInput
	}
	return c.exchange(ctx, text)
}

func (c *Client) exchange(ctx context.Context, userText string) (string, error) {
	c.mu.Lock()
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(c.history)+2)
	messages = append(messages, openai.SystemMessage(c.systemPrompt))
	messages = append(messages, c.history...)
	c.mu.Unlock()
	messages = append(messages, openai.UserMessage(userText))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI chat request failed", "error", err, "model", c.model, "elapsed", time.Since(start))
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI chat returned no choices", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	reply := resp.Choices[0].Message.Content
	slog.Debug("GenAI chat response received", "model", c.model, "reply_length", len(reply), "elapsed", time.Since(start))

	c.remember(userText, reply)
	return reply, nil
}

func (c *Client) remember(userText, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, openai.UserMessage(userText), openai.AssistantMessage(reply))
	if over := len(c.history) - c.historyLimit; over > 0 {
		c.history = append([]openai.ChatCompletionMessageParamUnion(nil), c.history[over:]...)
	}
}

// historyLen returns the number of remembered messages.
func (c *Client) historyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Synthesize converts text to MP3-encoded speech.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if len([]rune(text)) > MaxSpeechInputLength {
		text = string([]rune(text)[:MaxSpeechInputLength])
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	audio, err := c.speech.Create(ctx, openai.AudioSpeechNewParams{
		Model:          c.speechModel,
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		slog.Error("GenAI speech request failed", "error", err, "speech_model", c.speechModel)
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	slog.Debug("GenAI speech synthesized", "bytes", len(audio), "input_length", len(text))
	return audio, nil
}

// completions adapts the SDK chat completion service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c *completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// speech adapts the SDK speech service to speechService.
type speech struct {
	svc *openai.AudioSpeechService
}

func (s *speech) Create(ctx context.Context, params openai.AudioSpeechNewParams) ([]byte, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech body: %w", err)
	}
	return data, nil
}
