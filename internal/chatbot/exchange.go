package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"VLabAssist/internal/backend"
	"VLabAssist/internal/history"
	"VLabAssist/internal/session"
	"VLabAssist/internal/stream"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Assistant-authored texts for exchanges that never reach the backend
const (
	MsgUploadImage    = "Please upload an image."
	MsgImageFailed    = "Error: Failed to process image upload."
	msgGenericFailure = "Failed to process request. Check server status."
)

// Outcome classifies how an exchange ended
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"        // done sentinel seen, reply committed
	OutcomeInterrupted    Outcome = "interrupted"      // stream stopped early, nothing committed
	OutcomeUserInputError Outcome = "user_input_error" // image profile without an image
	OutcomeEncodingError  Outcome = "encoding_error"   // image could not be decoded
	OutcomeFailed         Outcome = "failed"           // transport failure, error message committed
)

// Input is one user message
type Input struct {
	Text    string
	Image   string // data URI
	Profile string // model profile key; empty selects the default
}

// Exchange describes one finished round trip
type Exchange struct {
	ID        string
	SessionID int64
	Profile   string
	Outcome   Outcome
	Text      string // committed assistant text, or the partial text of an interrupted stream
	Fragments int
	Malformed int
	Err       error
}

// SendMessage commits the user message, calls the profile's endpoint and
// commits the assistant reply once the stream completes. Backend failures are
// reported through the returned Exchange; the error return is reserved for
// input that was rejected before anything changed. Once an exchange is
// admitted, EventReset and EventLoading(false) are emitted on every return.
func (cb *ChatBot) SendMessage(ctx context.Context, in Input) (*Exchange, error) {
	if strings.TrimSpace(in.Text) == "" && in.Image == "" {
		return nil, ErrEmptyInput
	}

	key := in.Profile
	if key == "" {
		key = cb.config.DefaultProfile
	}
	profile, err := cb.config.Profile(key)
	if err != nil {
		return nil, err
	}

	if !cb.inFlight.CompareAndSwap(false, true) {
		return nil, ErrExchangeInFlight
	}
	defer cb.inFlight.Store(false)

	// input, image and loading state are reset however the exchange ends
	cb.emit(Event{Kind: EventLoading, Loading: true})
	cb.emit(Event{Kind: EventTyping})
	defer func() {
		cb.emit(Event{Kind: EventReset})
		cb.emit(Event{Kind: EventLoading, Loading: false})
	}()

	sessionID, ok := cb.store.Active()
	if !ok {
		created, err := cb.store.CreateSession()
		if errors.Is(err, history.ErrSessionLimit) {
			return nil, err
		}
		if err != nil {
			cb.logger.Warn("new session was not persisted", "error", err)
		}
		sessionID = created.ID
		cb.emitDisplay()
	} else if _, found := cb.store.Session(sessionID); !found {
		cb.logger.Warn("active session does not exist, message not sent", "session_id", sessionID)
		return nil, fmt.Errorf("%w: %d", history.ErrSessionNotFound, sessionID)
	}

	ex := &Exchange{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Profile:   profile.Key,
	}

	ctx, span := cb.tracer.Start(ctx, "chatbot.exchange", trace.WithAttributes(
		attribute.String("exchange.id", ex.ID),
		attribute.String("profile", profile.Key),
		attribute.Int64("session.id", sessionID),
	))
	defer span.End()
	defer func() { cb.finish(ctx, span, ex) }()

	cb.commit(sessionID, session.NewUserMessage(in.Text, in.Image, cb.now()))

	var req *http.Request
	if profile.RequiresImage() {
		if in.Image == "" {
			ex.Outcome = OutcomeUserInputError
			ex.Text = MsgUploadImage
			cb.commit(sessionID, session.NewAssistantMessage(MsgUploadImage, cb.now()))
			return ex, nil
		}
		mediaType, data, err := backend.DecodeDataURI(in.Image)
		if err != nil {
			cb.logger.Error("image conversion failed", "exchange_id", ex.ID, "error", err)
			ex.Outcome = OutcomeEncodingError
			ex.Text = MsgImageFailed
			ex.Err = err
			cb.commit(sessionID, session.NewAssistantMessage(MsgImageFailed, cb.now()))
			return ex, nil
		}
		req, err = backend.NewImageUpload(ctx, profile.Endpoint, mediaType, data)
		if err != nil {
			cb.fail(ctx, ex, err)
			return ex, nil
		}
	} else {
		req, err = backend.NewTextRequest(ctx, profile.Endpoint, in.Text, cb.Context())
		if err != nil {
			cb.fail(ctx, ex, err)
			return ex, nil
		}
	}

	cb.logger.Info("sending request", "exchange_id", ex.ID, "profile", profile.Key, "endpoint", profile.Endpoint)
	cb.consume(ctx, req, ex)
	return ex, nil
}

// consume issues req and reads the streamed reply until the done sentinel
func (cb *ChatBot) consume(ctx context.Context, req *http.Request, ex *Exchange) {
	start := time.Now()

	resp, err := cb.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			ex.Outcome = OutcomeInterrupted
			ex.Err = ctx.Err()
			cb.logger.Warn("request cancelled", "exchange_id", ex.ID, "error", err)
			return
		}
		cb.fail(ctx, ex, err)
		return
	}
	defer resp.Body.Close()

	cb.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("profile", ex.Profile), attribute.Int("status", resp.StatusCode)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		cb.fail(ctx, ex, &backend.HTTPError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}

	dec := stream.NewDecoder(resp.Body)
	var acc strings.Builder

	for res := range dec.Fragments(ctx) {
		if !res.OK() {
			ex.Malformed++
			cb.fragmentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "malformed")))
			cb.logger.Warn("error parsing fragment", "exchange_id", ex.ID, "line", res.Line, "error", res.Err)
			continue
		}
		ex.Fragments++
		cb.fragmentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))

		if res.Fragment.Done {
			ex.Outcome = OutcomeCompleted
			ex.Text = acc.String()
			cb.commit(ex.SessionID, session.NewAssistantMessage(ex.Text, cb.now()))
			cb.emit(Event{Kind: EventTyping})
			return
		}

		if text := res.Fragment.Text(); text != "" {
			acc.WriteString(text)
			cb.emit(Event{Kind: EventTyping, SessionID: ex.SessionID, Text: acc.String()})
		}
	}

	// The partial text stays in the typing buffer but is not committed.
	ex.Outcome = OutcomeInterrupted
	ex.Text = acc.String()
	ex.Err = dec.Err()
	if ex.Err != nil {
		cb.logger.Warn("stream reading interrupted", "exchange_id", ex.ID, "received", acc.Len(), "error", ex.Err)
	} else {
		cb.logger.Warn("stream ended without done", "exchange_id", ex.ID, "received", acc.Len())
	}
}

// fail commits an "Error: ..." assistant message after revealing it
func (cb *ChatBot) fail(ctx context.Context, ex *Exchange, err error) {
	cb.logger.Error("error fetching AI response", "exchange_id", ex.ID, "profile", ex.Profile, "error", err)

	reason := err.Error()
	if reason == "" {
		reason = msgGenericFailure
	}
	text := "Error: " + reason

	ex.Outcome = OutcomeFailed
	ex.Err = err
	ex.Text = text

	cb.simulateTyping(ctx, ex.SessionID, text)
	cb.commit(ex.SessionID, session.NewAssistantMessage(text, cb.now()))
}

// simulateTyping reveals text one character per typing interval, then
// clears the typing buffer. Cancellation cuts the reveal short.
func (cb *ChatBot) simulateTyping(ctx context.Context, sessionID int64, text string) {
	interval := cb.config.TypingInterval
	if interval > 0 {
		runes := []rune(text)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

	reveal:
		for i := range runes {
			select {
			case <-ctx.Done():
				break reveal
			case <-ticker.C:
				cb.emit(Event{Kind: EventTyping, SessionID: sessionID, Text: string(runes[:i+1])})
			}
		}
	}
	cb.emit(Event{Kind: EventTyping})
}

// commit appends msg to the session and publishes it
func (cb *ChatBot) commit(sessionID int64, msg session.Message) {
	err := cb.store.AppendMessage(sessionID, msg)
	if errors.Is(err, history.ErrSessionNotFound) {
		cb.logger.Warn("session vanished before message was committed", "session_id", sessionID, "sender", msg.Sender)
		return
	}
	if err != nil {
		cb.logger.Error("failed to persist message", "session_id", sessionID, "error", err)
	}
	cb.emit(Event{Kind: EventMessage, SessionID: sessionID, Message: &msg})
}

// finish records the outcome on the span and the exchange counter
func (cb *ChatBot) finish(ctx context.Context, span trace.Span, ex *Exchange) {
	span.SetAttributes(
		attribute.String("outcome", string(ex.Outcome)),
		attribute.Int("fragments", ex.Fragments),
		attribute.Int("fragments.malformed", ex.Malformed),
	)
	if ex.Err != nil {
		span.RecordError(ex.Err)
	}
	if ex.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, ex.Err.Error())
	}
	cb.exchangeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", ex.Profile),
		attribute.String("outcome", string(ex.Outcome)),
	))
	cb.logger.Info("exchange finished",
		"exchange_id", ex.ID,
		"session_id", ex.SessionID,
		"outcome", ex.Outcome,
		"fragments", ex.Fragments,
		"malformed", ex.Malformed,
	)
}

// String summarizes the exchange for logs and the CLI
func (ex *Exchange) String() string {
	return fmt.Sprintf("%s %s (%d fragments, %d malformed)", ex.Profile, ex.Outcome, ex.Fragments, ex.Malformed)
}
