package chatbot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"VLabAssist/internal/config"
	"VLabAssist/internal/history"
	"VLabAssist/internal/session"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyInput       = errors.New("message text or image required")
	ErrExchangeInFlight = errors.New("an exchange is already in flight")
	ErrUnknownProfile   = config.ErrUnknownProfile
)

// EventKind names what changed in an Event
type EventKind string

const (
	EventTyping  EventKind = "typing"  // Text is the whole live buffer; "" clears it
	EventMessage EventKind = "message" // Message was committed to SessionID
	EventWarning EventKind = "warning" // Text is a user-visible warning
	EventLoading EventKind = "loading" // Loading toggles the in-flight indicator
	EventDisplay EventKind = "display" // Messages replaces the displayed conversation
	EventReset   EventKind = "reset"   // input text, image and attachment were cleared
)

// Event is delivered to the Listener whenever the presentation should change
type Event struct {
	Kind      EventKind         `json:"kind"`
	SessionID int64             `json:"sessionId,omitempty"`
	Text      string            `json:"text,omitempty"`
	Message   *session.Message  `json:"message,omitempty"`
	Messages  []session.Message `json:"messages,omitempty"`
	Loading   bool              `json:"loading,omitempty"`
}

// Listener receives events. It may be called from the goroutine running
// SendMessage and must not block for long.
type Listener func(Event)

// ChatBot drives exchanges with the lab assistant backend and keeps the
// session history in step with them
type ChatBot struct {
	config     *config.Config
	store      *history.Store
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	httpClient *http.Client
	now        func() time.Time

	mu            sync.Mutex
	listener      Listener
	moduleContext any

	inFlight atomic.Bool

	exchangeCounter metric.Int64Counter
	fragmentCounter metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// Option customizes a ChatBot
type Option func(*ChatBot)

// WithLogger sets the structured logger; slog.Default() is used otherwise
func WithLogger(logger *slog.Logger) Option {
	return func(cb *ChatBot) { cb.logger = logger }
}

// WithTracer sets the tracer for exchange spans
func WithTracer(tracer trace.Tracer) Option {
	return func(cb *ChatBot) { cb.tracer = tracer }
}

// WithMeter sets the meter for exchange and fragment instruments
func WithMeter(meter metric.Meter) Option {
	return func(cb *ChatBot) { cb.meter = meter }
}

// WithHTTPClient replaces the otelhttp-instrumented default client
func WithHTTPClient(client *http.Client) Option {
	return func(cb *ChatBot) { cb.httpClient = client }
}

// WithListener sets the initial event listener
func WithListener(l Listener) Option {
	return func(cb *ChatBot) { cb.listener = l }
}

// WithClock sets the clock used for message timestamps
func WithClock(now func() time.Time) Option {
	return func(cb *ChatBot) { cb.now = now }
}

// New creates a ChatBot over store. The store's warnings are forwarded to the
// listener as EventWarning.
func New(cfg *config.Config, store *history.Store, opts ...Option) (*ChatBot, error) {
	cb := &ChatBot{
		config:        cfg,
		store:         store,
		now:           time.Now,
		moduleContext: cfg.Context,
	}
	for _, opt := range opts {
		opt(cb)
	}

	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.tracer == nil {
		cb.tracer = otel.Tracer("vlabassist")
	}
	if cb.meter == nil {
		cb.meter = otel.Meter("vlabassist")
	}
	if cb.httpClient == nil {
		cb.httpClient = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	var err error
	cb.exchangeCounter, err = cb.meter.Int64Counter(
		"vlabassist.exchanges",
		metric.WithDescription("Completed exchanges by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange counter: %w", err)
	}
	cb.fragmentCounter, err = cb.meter.Int64Counter(
		"vlabassist.stream.fragments",
		metric.WithDescription("Decoded stream fragments by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment counter: %w", err)
	}
	cb.requestDuration, err = cb.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	store.SetWarningHandler(func(msg string) {
		cb.emit(Event{Kind: EventWarning, Text: msg})
	})

	return cb, nil
}

// Load reads the persisted history and publishes the active conversation
func (cb *ChatBot) Load() error {
	if err := cb.store.Load(); err != nil {
		return err
	}
	cb.emitDisplay()
	return nil
}

// SetListener replaces the event listener
func (cb *ChatBot) SetListener(l Listener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listener = l
}

// SetContext sets the module context sent with text requests
func (cb *ChatBot) SetContext(v any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moduleContext = v
}

// Context returns the module context sent with text requests
func (cb *ChatBot) Context() any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.moduleContext
}

// Logger returns the logger the ChatBot writes to, so transports serving it
// log to the same place
func (cb *ChatBot) Logger() *slog.Logger {
	return cb.logger
}

// Busy reports whether an exchange is in flight
func (cb *ChatBot) Busy() bool {
	return cb.inFlight.Load()
}

// Profiles returns the configured model profiles ordered by key
func (cb *ChatBot) Profiles() []config.ModelProfile {
	keys := cb.config.ProfileKeys()
	profiles := make([]config.ModelProfile, len(keys))
	for i, k := range keys {
		profiles[i] = cb.config.Profiles[k]
	}
	return profiles
}

// NewChat starts a new session and makes it active
func (cb *ChatBot) NewChat() (session.ChatSession, error) {
	created, err := cb.store.CreateSession()
	if errors.Is(err, history.ErrSessionLimit) {
		return created, err
	}
	cb.emitDisplay()
	return created, err
}

// SwitchChat makes id the active session
func (cb *ChatBot) SwitchChat(id int64) []session.Message {
	msgs := cb.store.SwitchActive(id)
	cb.emitDisplay()
	return msgs
}

// DeleteChat removes id once confirm approves
func (cb *ChatBot) DeleteChat(id int64, confirm history.ConfirmFunc) (bool, error) {
	deleted, err := cb.store.DeleteSession(id, confirm)
	if deleted {
		cb.emitDisplay()
	}
	return deleted, err
}

// Chats returns all sessions, newest first
func (cb *ChatBot) Chats() []session.ChatSession {
	return cb.store.Sessions()
}

// ActiveChat returns the active session id
func (cb *ChatBot) ActiveChat() (int64, bool) {
	return cb.store.Active()
}

// Messages returns the displayed conversation
func (cb *ChatBot) Messages() []session.Message {
	return cb.store.Display()
}

// LatestReply returns the newest assistant message of the active session so
// the host page can apply it to its content
func (cb *ChatBot) LatestReply() (string, bool) {
	msgs := cb.store.Display()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == session.SenderAssistant {
			return msgs[i].Text, true
		}
	}
	return "", false
}

func (cb *ChatBot) emit(ev Event) {
	cb.mu.Lock()
	l := cb.listener
	cb.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (cb *ChatBot) emitDisplay() {
	id, _ := cb.store.Active()
	cb.emit(Event{Kind: EventDisplay, SessionID: id, Messages: cb.store.Display()})
}
