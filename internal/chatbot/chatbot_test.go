package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"VLabAssist/internal/backend"
	"VLabAssist/internal/config"
	"VLabAssist/internal/history"
	"VLabAssist/internal/session"
	"VLabAssist/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var fixedNow = time.Date(2026, 10, 19, 9, 5, 0, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	events   []Event
	onTyping func(text string)
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.onTyping
	r.mu.Unlock()
	if hook != nil && ev.Kind == EventTyping && ev.Text != "" {
		hook(ev.Text)
	}
}

func (r *recorder) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	bot   *ChatBot
	kv    *storage.MemoryKV
	store *history.Store
	rec   *recorder
}

// newFixture points every profile at srv
func newFixture(t *testing.T, srv *httptest.Server, tune ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.TypingInterval = 0
	cfg.Context = "experiment-3"
	for key, p := range cfg.Profiles {
		p.Endpoint = srv.URL + "/" + key
		cfg.Profiles[key] = p
	}
	for _, fn := range tune {
		fn(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{kv: storage.NewMemoryKV(), rec: &recorder{}}
	f.store = history.New(f.kv, history.Options{
		MaxChats:         cfg.MaxChats,
		MaxMessagesTotal: cfg.MaxMessagesTotal,
		Logger:           logger,
		Now:              func() time.Time { return fixedNow },
	})

	bot, err := New(cfg, f.store,
		WithLogger(logger),
		WithTracer(tracenoop.NewTracerProvider().Tracer("test")),
		WithMeter(metricnoop.NewMeterProvider().Meter("test")),
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return fixedNow }),
		WithListener(f.rec.listen),
	)
	require.NoError(t, err)
	require.NoError(t, bot.Load())
	f.bot = bot
	return f
}

func streamLines(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestSendMessageCreatesChatAndCommitsReply(t *testing.T) {
	requests := make(chan backend.TextRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req backend.TextRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests <- req
		streamLines(`{"response":"Hel"}`, `{"response":"lo"}`, `{"done":true}`)(w, r)
	}))
	defer srv.Close()

	f := newFixture(t, srv)

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "Hi"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, ex.Outcome)
	assert.Equal(t, "Hello", ex.Text)
	assert.Equal(t, 3, ex.Fragments)
	assert.NotEmpty(t, ex.ID)
	got := <-requests
	assert.Equal(t, "Hi", got.Message)
	assert.Equal(t, "experiment-3", got.Context)

	sessions := f.bot.Chats()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Chat 1", sessions[0].Title)
	require.Len(t, sessions[0].Messages, 2)
	assert.Equal(t, session.SenderUser, sessions[0].Messages[0].Sender)
	assert.Equal(t, "Hi", sessions[0].Messages[0].Text)
	assert.Equal(t, session.SenderAssistant, sessions[0].Messages[1].Sender)
	assert.Equal(t, "Hello", sessions[0].Messages[1].Text)

	// typing buffer grows by prefix and is cleared when done arrives
	var typed []string
	for _, ev := range f.rec.kinds(EventTyping) {
		typed = append(typed, ev.Text)
	}
	assert.Equal(t, []string{"", "Hel", "Hello", ""}, typed)

	loading := f.rec.kinds(EventLoading)
	require.Len(t, loading, 2)
	assert.True(t, loading[0].Loading)
	assert.False(t, loading[1].Loading)
	assert.Len(t, f.rec.kinds(EventReset), 1)
	assert.Len(t, f.rec.kinds(EventMessage), 2)

	raw, ok, err := f.kv.Load(config.HistoryKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"text":"Hello"`)

	reply, ok := f.bot.LatestReply()
	assert.True(t, ok)
	assert.Equal(t, "Hello", reply)
	assert.False(t, f.bot.Busy())
}

func TestSendMessageRejectsEmptyInput(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFixture(t, srv)

	_, err := f.bot.SendMessage(context.Background(), Input{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = f.bot.SendMessage(context.Background(), Input{Text: "x", Profile: "speech"})
	assert.ErrorIs(t, err, ErrUnknownProfile)

	assert.Empty(t, f.bot.Chats())
}

func TestImageProfileWithoutImage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "what is this?", Profile: config.ProfileImageToText})
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	assert.Equal(t, OutcomeUserInputError, ex.Outcome)

	msgs := f.bot.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.SenderUser, msgs[0].Sender)
	assert.Equal(t, MsgUploadImage, msgs[1].Text)
}

func TestImageProfileEncodingFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFixture(t, srv)

	ex, err := f.bot.SendMessage(context.Background(), Input{Image: "not-a-data-uri", Profile: config.ProfileObjectDetection})
	require.NoError(t, err)

	assert.Equal(t, OutcomeEncodingError, ex.Outcome)
	assert.ErrorIs(t, ex.Err, backend.ErrInvalidDataURI)
	msgs := f.bot.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgImageFailed, msgs[1].Text)
}

func TestImageUploadIsMultipart(t *testing.T) {
	type upload struct {
		filename, contentType string
		data                  []byte
	}
	received := make(chan upload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile(backend.ImageFieldName)
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		received <- upload{header.Filename, header.Header.Get("Content-Type"), data}
		streamLines(`{"description":"a beaker"}`, `{"done":true}`)(w, r)
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	image := backend.EncodeDataURI("image/png", []byte{0x89, 'P', 'N', 'G'})
	ex, err := f.bot.SendMessage(context.Background(), Input{Image: image, Profile: config.ProfileImageToText})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, ex.Outcome)
	assert.Equal(t, "a beaker", ex.Text)

	up := <-received
	assert.Equal(t, backend.ImageFileName, up.filename)
	assert.Equal(t, "image/png", up.contentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, up.data)

	msgs := f.bot.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, image, msgs[0].Image)
}

func TestObjectDetectionRendersStructuredObjects(t *testing.T) {
	srv := httptest.NewServer(streamLines(
		`{"detected_objects":[{"label":"flask","score":0.9}]}`,
		`{"done":true}`,
	))
	defer srv.Close()
	f := newFixture(t, srv)

	image := backend.EncodeDataURI("image/jpeg", []byte("jpg"))
	ex, err := f.bot.SendMessage(context.Background(), Input{Image: image, Profile: config.ProfileObjectDetection})
	require.NoError(t, err)
	assert.Equal(t, `[{"label":"flask","score":0.9}]`, ex.Text)
}

func TestMalformedFragmentsAreSkipped(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"A"}`, `{broken`, `{"response":"B"}`, `{"done":true}`))
	defer srv.Close()
	f := newFixture(t, srv)

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, ex.Outcome)
	assert.Equal(t, "AB", ex.Text)
	assert.Equal(t, 1, ex.Malformed)
	assert.Equal(t, 3, ex.Fragments)
}

func TestHTTPErrorIsRevealedAndCommitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	f := newFixture(t, srv, func(c *config.Config) { c.TypingInterval = time.Millisecond })

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "Hi"})
	require.NoError(t, err)

	want := "Error: HTTP error! Status: 500, Details: boom"
	assert.Equal(t, OutcomeFailed, ex.Outcome)
	assert.Equal(t, want, ex.Text)
	var httpErr *backend.HTTPError
	require.ErrorAs(t, ex.Err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)

	msgs := f.bot.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, want, msgs[1].Text)

	typing := f.rec.kinds(EventTyping)
	require.Greater(t, len(typing), 2)
	assert.Equal(t, "E", typing[1].Text)
	assert.Equal(t, want, typing[len(typing)-2].Text)
	assert.Equal(t, "", typing[len(typing)-1].Text)
}

func TestStreamWithoutDoneIsNotCommitted(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"partial"}`))
	defer srv.Close()
	f := newFixture(t, srv)

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "Hi"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeInterrupted, ex.Outcome)
	assert.Equal(t, "partial", ex.Text)
	assert.NoError(t, ex.Err)

	msgs := f.bot.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, session.SenderUser, msgs[0].Sender)
	_, ok := f.bot.LatestReply()
	assert.False(t, ok)
}

func TestCancellationInterruptsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamLines(`{"response":"Hel"}`)(w, r)
		<-r.Context().Done()
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rec.onTyping = func(string) { cancel() }

	ex, err := f.bot.SendMessage(ctx, Input{Text: "Hi"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeInterrupted, ex.Outcome)
	assert.Equal(t, "Hel", ex.Text)
	assert.Len(t, f.bot.Messages(), 1)
	assert.False(t, f.bot.Busy())
}

func TestSecondExchangeWhileBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		streamLines(`{"response":"ok"}`, `{"done":true}`)(w, r)
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	done := make(chan *Exchange)
	go func() {
		ex, err := f.bot.SendMessage(context.Background(), Input{Text: "first"})
		assert.NoError(t, err)
		done <- ex
	}()

	<-started
	assert.True(t, f.bot.Busy())
	_, err := f.bot.SendMessage(context.Background(), Input{Text: "second"})
	assert.ErrorIs(t, err, ErrExchangeInFlight)

	close(release)
	ex := <-done
	assert.Equal(t, OutcomeCompleted, ex.Outcome)
	assert.Len(t, f.bot.Messages(), 2)
}

func TestChatFacadeSwitchesAndDeletes(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"one"}`, `{"done":true}`))
	defer srv.Close()
	f := newFixture(t, srv)

	_, err := f.bot.SendMessage(context.Background(), Input{Text: "a"})
	require.NoError(t, err)
	first, _ := f.bot.ActiveChat()

	_, err = f.bot.NewChat()
	require.NoError(t, err)
	second, _ := f.bot.ActiveChat()
	assert.NotEqual(t, first, second)
	assert.Empty(t, f.bot.Messages())

	msgs := f.bot.SwitchChat(first)
	assert.Len(t, msgs, 2)

	deleted, err := f.bot.DeleteChat(second, func(string) bool { return true })
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Len(t, f.bot.Chats(), 1)

	display := f.rec.kinds(EventDisplay)
	require.NotEmpty(t, display)
	assert.Len(t, display[len(display)-1].Messages, 2)
}

func TestStoreWarningsBecomeEvents(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFixture(t, srv, func(c *config.Config) { c.MaxChats = 2 })

	_, err := f.bot.NewChat()
	require.NoError(t, err)
	_, err = f.bot.NewChat()
	require.NoError(t, err)
	_, err = f.bot.NewChat()
	assert.ErrorIs(t, err, history.ErrSessionLimit)

	var texts []string
	for _, ev := range f.rec.kinds(EventWarning) {
		texts = append(texts, ev.Text)
	}
	assert.Contains(t, texts, "Maximum chat limit (2) reached. Please delete old chats to continue.")
}

func TestProfilesAreSorted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFixture(t, srv)

	var keys []string
	for _, p := range f.bot.Profiles() {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{config.ProfileImageToText, config.ProfileObjectDetection, config.ProfileText}, keys)
}

func TestSessionLimitStillResetsInput(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	f := newFixture(t, srv, func(c *config.Config) { c.MaxChats = 1 })

	// a full store whose active chat was just deleted
	require.NoError(t, f.kv.Save(config.HistoryKey,
		`[{"id":2,"title":"Chat 2","startTime":"x","messages":[]},`+
			`{"id":1,"title":"Chat 1","startTime":"y","messages":[]}]`))
	require.NoError(t, f.bot.Load())
	deleted, err := f.bot.DeleteChat(2, func(string) bool { return true })
	require.NoError(t, err)
	require.True(t, deleted)
	_, ok := f.bot.ActiveChat()
	require.False(t, ok)

	_, err = f.bot.SendMessage(context.Background(), Input{Text: "Hi"})
	assert.ErrorIs(t, err, history.ErrSessionLimit)

	assert.Zero(t, calls.Load())
	assert.Len(t, f.rec.kinds(EventReset), 1)
	loading := f.rec.kinds(EventLoading)
	require.Len(t, loading, 2)
	assert.False(t, loading[1].Loading)
	require.Len(t, f.bot.Chats(), 1)
	assert.Empty(t, f.bot.Chats()[0].Messages)
	assert.False(t, f.bot.Busy())
}

func TestUnknownActiveSessionIsRejectedBeforeRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	f.bot.SwitchChat(999)
	_, err := f.bot.SendMessage(context.Background(), Input{Text: "Hi"})

	assert.ErrorIs(t, err, history.ErrSessionNotFound)
	assert.Zero(t, calls.Load())
	assert.Len(t, f.rec.kinds(EventReset), 1)
	assert.Empty(t, f.rec.kinds(EventMessage))
}

func TestImageRequestFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFixture(t, srv, func(c *config.Config) {
		p := c.Profiles[config.ProfileImageToText]
		p.Endpoint = "http://[::1"
		c.Profiles[config.ProfileImageToText] = p
	})

	image := backend.EncodeDataURI("image/png", []byte("png"))
	ex, err := f.bot.SendMessage(context.Background(), Input{Image: image, Profile: config.ProfileImageToText})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, ex.Outcome)
	assert.NotErrorIs(t, ex.Err, backend.ErrInvalidDataURI)
	assert.True(t, strings.HasPrefix(ex.Text, "Error: "), ex.Text)
	msgs := f.bot.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ex.Text, msgs[1].Text)
}

func TestReplyLandsInOriginatingSessionAfterSwitch(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"one"}`, `{"response":" two"}`, `{"done":true}`))
	defer srv.Close()
	f := newFixture(t, srv)

	origin, err := f.bot.NewChat()
	require.NoError(t, err)

	var other session.ChatSession
	var once sync.Once
	f.rec.onTyping = func(string) {
		once.Do(func() {
			var nerr error
			other, nerr = f.bot.NewChat()
			assert.NoError(t, nerr)
		})
	}

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "a"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, ex.Outcome)
	assert.Equal(t, origin.ID, ex.SessionID)

	active, _ := f.bot.ActiveChat()
	assert.Equal(t, other.ID, active)
	assert.Empty(t, f.bot.Messages())

	s, ok := f.store.Session(origin.ID)
	require.True(t, ok)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "one two", s.Messages[1].Text)

	s, ok = f.store.Session(other.ID)
	require.True(t, ok)
	assert.Empty(t, s.Messages)
}

func TestReplyDroppedWhenSessionDeletedMidStream(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"one"}`, `{"response":" two"}`, `{"done":true}`))
	defer srv.Close()
	f := newFixture(t, srv)

	origin, err := f.bot.NewChat()
	require.NoError(t, err)

	var once sync.Once
	f.rec.onTyping = func(string) {
		once.Do(func() {
			deleted, err := f.bot.DeleteChat(origin.ID, func(string) bool { return true })
			assert.NoError(t, err)
			assert.True(t, deleted)
		})
	}

	ex, err := f.bot.SendMessage(context.Background(), Input{Text: "a"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, ex.Outcome)
	assert.Equal(t, "one two", ex.Text)

	assert.Empty(t, f.bot.Chats())
	msgs := f.rec.kinds(EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.SenderUser, msgs[0].Message.Sender)
}

func TestLoggerIsShared(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := history.New(storage.NewMemoryKV(), history.Options{Logger: logger})

	bot, err := New(config.NewDefaultConfig(), store,
		WithLogger(logger),
		WithTracer(tracenoop.NewTracerProvider().Tracer("test")),
		WithMeter(metricnoop.NewMeterProvider().Meter("test")),
	)
	require.NoError(t, err)
	assert.Same(t, logger, bot.Logger())
}
