package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/api"
	"github.com/BTreeMap/MindfulCoach/internal/audio"
	"github.com/BTreeMap/MindfulCoach/internal/coach"
	"github.com/BTreeMap/MindfulCoach/internal/events"
	"github.com/BTreeMap/MindfulCoach/internal/genai"
	"github.com/BTreeMap/MindfulCoach/internal/lockfile"
	"github.com/BTreeMap/MindfulCoach/internal/messaging"
	"github.com/BTreeMap/MindfulCoach/internal/notify"
	"github.com/BTreeMap/MindfulCoach/internal/scheduler"
	"github.com/BTreeMap/MindfulCoach/internal/store"
	"github.com/BTreeMap/MindfulCoach/internal/tasks"
	"github.com/BTreeMap/MindfulCoach/internal/twiliowhatsapp"
	"github.com/BTreeMap/MindfulCoach/internal/util"
	"github.com/BTreeMap/MindfulCoach/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MindfulCoach state data
	DefaultStateDir = "/var/lib/mindfulcoach"
	// DefaultAppDBFileName is the default SQLite database for settings and history
	DefaultAppDBFileName = "mindfulcoach.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultMQTTClientID identifies this process to the broker
	DefaultMQTTClientID = "mindfulcoach"
)

// Reminder delivery backends.
const (
	NotifierLog      = "log"
	NotifierWhatsApp = "whatsapp"
	NotifierTwilio   = "twilio"
	NotifierMQTT     = "mqtt"
)

var errUnknownNotifier = errors.New("unknown notifier backend")

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MindfulCoach with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.StateDir, "db_dsn_set", flags.DBDSN != "", "api_addr", flags.APIAddr, "notifier", flags.Notifier)
	if err := run(ctx, flags); err != nil {
		slog.Error("MindfulCoach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MindfulCoach exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	WhatsAppDBDSN string
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIVoice   string
	OpenAITimeout time.Duration
	APIAddr       string
	TasksFile     string
	AudioPlayer   string
	AudioEnabled  bool
	Notifier      string
	Recipient     string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	MQTTBroker    string
	MQTTTopic     string
	MQTTUsername  string
	MQTTPassword  string
}

// Flags holds the effective configuration after command line overrides.
type Flags struct {
	StateDir      string
	DBDSN         string
	WhatsAppDBDSN string
	QROutput      string
	Numeric       bool
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIVoice   string
	OpenAITimeout time.Duration
	APIAddr       string
	TasksFile     string
	AudioPlayer   string
	AudioEnabled  bool
	Notifier      string
	Recipient     string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	MQTTBroker    string
	MQTTTopic     string
	MQTTUsername  string
	MQTTPassword  string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      os.Getenv("MINDFULCOACH_STATE_DIR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		OpenAIVoice:   os.Getenv("OPENAI_TTS_VOICE"),
		OpenAITimeout: util.ParseDurationEnv("OPENAI_TIMEOUT", genai.DefaultTimeout),
		APIAddr:       os.Getenv("API_ADDR"),
		TasksFile:     os.Getenv("TASKS_FILE"),
		AudioPlayer:   os.Getenv("AUDIO_PLAYER"),
		AudioEnabled:  util.ParseBoolEnv("AUDIO_ENABLED", true),
		Notifier:      strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFIER"))),
		Recipient:     os.Getenv("NOTIFY_RECIPIENT"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		MQTTBroker:    os.Getenv("MQTT_BROKER"),
		MQTTTopic:     os.Getenv("MQTT_TOPIC"),
		MQTTUsername:  os.Getenv("MQTT_USERNAME"),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MINDFULCOACH_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.Notifier == "" {
		config.Notifier = NotifierLog
	}
	if config.MQTTTopic == "" {
		config.MQTTTopic = notify.DefaultMQTTTopic
	}

	slog.Debug("environment variables loaded",
		"MINDFULCOACH_STATE_DIR", config.StateDir,
		"DATABASE_URL_TYPE", store.DetectDSNType(config.DatabaseURL),
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"OPENAI_TIMEOUT", config.OpenAITimeout,
		"API_ADDR", config.APIAddr,
		"TASKS_FILE", config.TasksFile,
		"AUDIO_ENABLED", config.AudioEnabled,
		"NOTIFIER", config.Notifier,
		"NOTIFY_RECIPIENT_SET", config.Recipient != "",
		"MQTT_BROKER", config.MQTTBroker)

	return config
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("mindfulcoach", flag.ContinueOnError)
	f := Flags{}
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for MindfulCoach data (overrides $MINDFULCOACH_STATE_DIR)")
	fs.StringVar(&f.DBDSN, "db-dsn", config.DatabaseURL, "settings and history database, SQLite path or Postgres DSN (overrides $DATABASE_URL)")
	fs.StringVar(&f.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.QROutput, "qr-output", "", "path to write WhatsApp login QR code")
	fs.BoolVar(&f.Numeric, "numeric-code", false, "use numeric WhatsApp login code instead of QR code")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.OpenAIBaseURL, "openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible API base URL (overrides $OPENAI_BASE_URL)")
	fs.StringVar(&f.OpenAIModel, "openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.OpenAIVoice, "tts-voice", config.OpenAIVoice, "speech voice (overrides $OPENAI_TTS_VOICE)")
	fs.DurationVar(&f.OpenAITimeout, "openai-timeout", config.OpenAITimeout, "timeout for each OpenAI call (overrides $OPENAI_TIMEOUT)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.TasksFile, "tasks-file", config.TasksFile, "YAML file with the daily task list (overrides $TASKS_FILE)")
	fs.StringVar(&f.AudioPlayer, "audio-player", config.AudioPlayer, "command line of the audio player (overrides $AUDIO_PLAYER)")
	fs.BoolVar(&f.AudioEnabled, "audio", config.AudioEnabled, "enable spoken playback (overrides $AUDIO_ENABLED)")
	fs.StringVar(&f.Notifier, "notifier", config.Notifier, "reminder backend: log, whatsapp, twilio or mqtt (overrides $NOTIFIER)")
	fs.StringVar(&f.Recipient, "notify-recipient", config.Recipient, "phone number that receives reminders (overrides $NOTIFY_RECIPIENT)")
	fs.StringVar(&f.MQTTBroker, "mqtt-broker", config.MQTTBroker, "MQTT broker URL (overrides $MQTT_BROKER)")
	fs.StringVar(&f.MQTTTopic, "mqtt-topic", config.MQTTTopic, "MQTT reminder topic (overrides $MQTT_TOPIC)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	f.TwilioSID = config.TwilioSID
	f.TwilioToken = config.TwilioToken
	f.TwilioFrom = config.TwilioFrom
	f.MQTTUsername = config.MQTTUsername
	f.MQTTPassword = config.MQTTPassword
	f.Notifier = strings.ToLower(strings.TrimSpace(f.Notifier))

	// Follow a state directory override when the DSNs were derived from the old one
	if f.StateDir != config.StateDir {
		if f.DBDSN == defaultAppDSN(config.StateDir) {
			f.DBDSN = defaultAppDSN(f.StateDir)
			slog.Debug("Updated db DSN based on state directory", "new_state_dir", f.StateDir)
		}
		if f.WhatsAppDBDSN == defaultWhatsAppDSN(config.StateDir) {
			f.WhatsAppDBDSN = defaultWhatsAppDSN(f.StateDir)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"dbDSN_set", f.DBDSN != "",
		"openaiKeySet", f.OpenAIKey != "",
		"apiAddr", f.APIAddr,
		"tasksFile", f.TasksFile,
		"audio", f.AudioEnabled,
		"notifier", f.Notifier)

	return f, nil
}

// ensureDirectoriesExist creates the state directory and, for a file-based
// database, the directory holding it.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{flags.StateDir}
	if store.DetectDSNType(flags.DBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(flags.DBDSN, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions selects the store backend option for the DSN.
func buildStoreOptions(flags Flags) []store.Option {
	if flags.DBDSN == "" {
		return nil
	}
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		return []store.Option{store.WithPostgresDSN(flags.DBDSN)}
	}
	return []store.Option{store.WithSQLiteDSN(flags.DBDSN)}
}

// openStore opens the settings and history store.
func openStore(flags Flags) (store.Store, error) {
	opts := buildStoreOptions(flags)
	if len(opts) == 0 {
		slog.Warn("No database configured, settings and history will not survive a restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// buildGenAIOptions constructs the chat and speech client options.
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if flags.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(flags.OpenAIBaseURL))
	}
	if flags.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(flags.OpenAIModel))
	}
	if flags.OpenAIVoice != "" {
		opts = append(opts, genai.WithVoice(flags.OpenAIVoice))
	}
	if flags.OpenAITimeout > 0 {
		opts = append(opts, genai.WithTimeout(flags.OpenAITimeout))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var opts []whatsapp.Option
	if flags.WhatsAppDBDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(flags.WhatsAppDBDSN))
	}
	if flags.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(flags.QROutput))
	}
	if flags.Numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions constructs Twilio options; unset values fall back to
// the client's own environment lookup.
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if flags.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(flags.TwilioSID))
	}
	if flags.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(flags.TwilioToken))
	}
	if flags.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(flags.TwilioFrom))
	}
	return opts
}

// buildAPIOptions constructs API server options
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if flags.APIAddr != "" {
		opts = append(opts, api.WithAddr(flags.APIAddr))
	}
	return opts
}

// loadTasks reads the task list file, or returns the built-in list.
func loadTasks(flags Flags) (*tasks.Registry, error) {
	if flags.TasksFile == "" {
		return tasks.Default(), nil
	}
	return tasks.LoadFile(flags.TasksFile)
}

// buildNotifier creates the reminder backend. The returned cleanup releases
// whatever connection the backend holds.
func buildNotifier(ctx context.Context, flags Flags) (notify.Notifier, func(), error) {
	noop := func() {}
	switch flags.Notifier {
	case "", NotifierLog:
		return notify.NewLogNotifier(), noop, nil

	case NotifierWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, noop, fmt.Errorf("whatsapp client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client)
		if err := svc.Start(ctx); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("start whatsapp service: %w", err)
		}
		go logReceipts(svc.Receipts())
		return notify.NewMessagingNotifier(svc, flags.Recipient), func() {
			svc.Stop()
			client.Close()
		}, nil

	case NotifierTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, noop, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		if err := svc.Start(ctx); err != nil {
			return nil, noop, fmt.Errorf("start twilio service: %w", err)
		}
		go logReceipts(svc.Receipts())
		return notify.NewMessagingNotifier(svc, flags.Recipient), func() { svc.Stop() }, nil

	case NotifierMQTT:
		cm, err := notify.DialMQTT(ctx, notify.MQTTConfig{
			Broker:   flags.MQTTBroker,
			Username: flags.MQTTUsername,
			Password: flags.MQTTPassword,
			ClientID: DefaultMQTTClientID,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("mqtt: %w", err)
		}
		return notify.NewMQTTNotifier(cm, flags.MQTTTopic), func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cm.Disconnect(dctx); err != nil {
				slog.Debug("mqtt disconnect", "error", err)
			}
		}, nil
	}
	return nil, noop, fmt.Errorf("%w: %q", errUnknownNotifier, flags.Notifier)
}

func logReceipts(receipts <-chan messaging.Receipt) {
	for r := range receipts {
		slog.Debug("Reminder receipt", "to", r.To, "status", r.Status, "time", r.Time)
	}
}

// logEvent mirrors session events into the debug log.
func logEvent(e events.Event) {
	slog.Debug("Session event", "source", e.Source, "kind", e.Kind, "data", e.Data)
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry, err := loadTasks(flags)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}

	bus := events.New()
	defer bus.Listen(logEvent)()
	orch := coach.NewOrchestrator(client, st, coach.WithBus(bus))

	var playback api.Audio
	if flags.AudioEnabled {
		player, err := audio.NewExecPlayer(flags.AudioPlayer, "")
		if err != nil {
			slog.Warn("Spoken playback disabled", "error", err)
		} else {
			mgr := audio.NewManager(client, player, orch)
			defer mgr.Close()
			orch.AttachPlayback(mgr)
			playback = mgr
		}
	}

	notifier, closeNotifier, err := buildNotifier(ctx, flags)
	if err != nil {
		return err
	}
	defer closeNotifier()

	ticker := scheduler.NewScheduler()
	defer ticker.Stop()
	reminders := notify.NewScheduler(notifier, st, registry, notify.WithTicker(ticker), notify.WithBus(bus))
	if err := reminders.Start(ctx); err != nil {
		return fmt.Errorf("start reminders: %w", err)
	}
	defer reminders.Stop()

	server := api.NewServer(orch, playback, reminders, registry, bus, buildAPIOptions(flags)...)
	if err := server.Start(); err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		slog.Warn("Session start reported an error", "error", err)
	}

	<-ctx.Done()
	slog.Info("Shutting down")
	return server.Shutdown(context.Background())
}
