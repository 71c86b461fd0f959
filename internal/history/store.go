// Package history keeps the bounded, persisted list of chat sessions and
// tracks which one is active.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"VLabAssist/internal/config"
	"VLabAssist/internal/session"
	"VLabAssist/internal/storage"
)

var (
	ErrSessionLimit    = errors.New("maximum chat limit reached")
	ErrSessionNotFound = errors.New("chat session not found")
)

// WarningFunc receives user-visible, non-blocking warnings
type WarningFunc func(message string)

// ConfirmFunc asks the user to confirm a destructive action
type ConfirmFunc func(prompt string) bool

// Options configures a Store. Zero values fall back to the defaults.
type Options struct {
	Key              string
	MaxChats         int
	MaxMessagesTotal int
	Logger           *slog.Logger
	Warn             WarningFunc
	Now              func() time.Time
}

// Store owns the ordered session list, newest first
type Store struct {
	mu sync.Mutex

	kv               storage.KV
	key              string
	maxChats         int
	maxMessagesTotal int
	logger           *slog.Logger
	warn             WarningFunc
	now              func() time.Time

	sessions  []session.ChatSession
	activeID  int64
	hasActive bool
	display   []session.Message
	lastID    int64
}

// New creates a Store backed by kv. Call Load before use.
func New(kv storage.KV, opts Options) *Store {
	d := config.NewDefaultConfig()
	s := &Store{
		kv:               kv,
		key:              opts.Key,
		maxChats:         opts.MaxChats,
		maxMessagesTotal: opts.MaxMessagesTotal,
		logger:           opts.Logger,
		warn:             opts.Warn,
		now:              opts.Now,
	}
	if s.key == "" {
		s.key = config.HistoryKey
	}
	if s.maxChats <= 0 {
		s.maxChats = d.MaxChats
	}
	if s.maxMessagesTotal <= 0 {
		s.maxMessagesTotal = d.MaxMessagesTotal
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetWarningHandler replaces the warning callback
func (s *Store) SetWarningHandler(fn WarningFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warn = fn
}

// Load reads the persisted session list. Missing or corrupt data is treated
// as an empty list; only a failing store read is returned as an error.
func (s *Store) Load() error {
	s.mu.Lock()

	s.sessions = nil
	s.hasActive = false
	s.activeID = 0
	s.display = nil

	raw, ok, err := s.kv.Load(s.key)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to load chat history: %w", err)
	}

	if ok {
		var stored []session.ChatSession
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.logger.Warn("chat history is corrupt, starting empty", "key", s.key, "error", err)
		} else {
			s.sessions = stored
		}
	}

	for _, sess := range s.sessions {
		if sess.ID > s.lastID {
			s.lastID = sess.ID
		}
	}

	if len(s.sessions) > 0 {
		s.activeID = s.sessions[0].ID
		s.hasActive = true
		s.display = append([]session.Message(nil), s.sessions[0].Messages...)
	}

	s.logger.Info("chat history loaded", "sessions", len(s.sessions), "messages", s.totalMessagesLocked())
	warning := s.capacityWarningLocked()
	s.mu.Unlock()

	s.emit(warning)
	return nil
}

// CreateSession inserts a new "Chat N" session at the front and makes it
// active. At the session cap it warns and returns ErrSessionLimit without
// touching the store.
func (s *Store) CreateSession() (session.ChatSession, error) {
	s.mu.Lock()

	if len(s.sessions) >= s.maxChats {
		s.mu.Unlock()
		s.emit(fmt.Sprintf("Maximum chat limit (%d) reached. Please delete old chats to continue.", s.maxChats))
		return session.ChatSession{}, ErrSessionLimit
	}

	now := s.now()
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id

	created := session.ChatSession{
		ID:        id,
		Title:     session.NextTitle(s.sessions),
		StartTime: now.Format(session.StartTimeLayout),
		Messages:  []session.Message{},
	}
	s.sessions = append([]session.ChatSession{created}, s.sessions...)
	s.activeID = id
	s.hasActive = true
	s.display = nil

	s.logger.Info("created new session", "session_id", id, "title", created.Title)
	err := s.persistLocked()
	warning := s.capacityWarningLocked()
	s.mu.Unlock()

	s.emit(warning)
	return created.Clone(), err
}

// SwitchActive makes id the active session and returns its messages.
// An unknown id still becomes active with an empty display buffer.
func (s *Store) SwitchActive(id int64) []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeID = id
	s.hasActive = true
	s.display = nil
	if i := s.indexLocked(id); i >= 0 {
		s.display = append([]session.Message(nil), s.sessions[i].Messages...)
	}
	return append([]session.Message(nil), s.display...)
}

// DeleteSession removes id after confirm approves. It reports whether the
// session was deleted; a declined confirmation is not an error.
func (s *Store) DeleteSession(id int64, confirm ConfirmFunc) (bool, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	prompt := fmt.Sprintf("Are you sure you want to delete Chat %d?", i+1)
	s.mu.Unlock()

	if confirm != nil && !confirm(prompt) {
		return false, nil
	}

	s.mu.Lock()
	// the list may have changed while the user was asked
	i = s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	s.sessions = append(s.sessions[:i:i], s.sessions[i+1:]...)
	if s.hasActive && s.activeID == id {
		s.hasActive = false
		s.activeID = 0
		s.display = nil
	}

	s.logger.Info("deleted session", "session_id", id, "remaining", len(s.sessions))
	err := s.persistLocked()
	warning := s.capacityWarningLocked()
	s.mu.Unlock()

	s.emit(warning)
	return true, err
}

// AppendMessage appends msg to session id. Unknown ids are left untouched
// and reported as ErrSessionNotFound.
func (s *Store) AppendMessage(id int64, msg session.Message) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}

	s.sessions[i].Messages = append(s.sessions[i].Messages, msg)
	if s.hasActive && s.activeID == id {
		s.display = append(s.display, msg)
	}

	err := s.persistLocked()
	warning := s.capacityWarningLocked()
	s.mu.Unlock()

	s.emit(warning)
	return err
}

// CheckCapacity warns when the store is close to its session or message cap.
// It reports whether a warning was emitted.
func (s *Store) CheckCapacity() bool {
	s.mu.Lock()
	warning := s.capacityWarningLocked()
	s.mu.Unlock()

	s.emit(warning)
	return warning != ""
}

// Sessions returns a copy of the session list, newest first
func (s *Store) Sessions() []session.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// Session returns a copy of session id
func (s *Store) Session(id int64) (session.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return session.ChatSession{}, false
	}
	return s.sessions[i].Clone(), true
}

// Active returns the active session id
func (s *Store) Active() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.hasActive
}

// Display returns a copy of the messages shown for the active session
func (s *Store) Display() []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Message(nil), s.display...)
}

// TotalMessages counts messages across all sessions
func (s *Store) TotalMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalMessagesLocked()
}

func (s *Store) indexLocked(id int64) int {
	for i, sess := range s.sessions {
		if sess.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) totalMessagesLocked() int {
	total := 0
	for _, sess := range s.sessions {
		total += len(sess.Messages)
	}
	return total
}

// persistLocked rewrites the whole list, or clears the key once it is empty
func (s *Store) persistLocked() error {
	if len(s.sessions) == 0 {
		if err := s.kv.Clear(s.key); err != nil {
			s.logger.Error("failed to clear chat history", "error", err)
			return fmt.Errorf("failed to clear chat history: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(s.sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal chat history: %w", err)
	}
	if err := s.kv.Save(s.key, string(data)); err != nil {
		s.logger.Error("failed to persist chat history", "error", err)
		return fmt.Errorf("failed to persist chat history: %w", err)
	}
	return nil
}

func (s *Store) capacityWarningLocked() string {
	total := s.totalMessagesLocked()
	if len(s.sessions) >= s.maxChats-1 || total >= s.maxMessagesTotal-10 {
		s.logger.Warn("chat history nearing capacity", "sessions", len(s.sessions), "messages", total)
		return fmt.Sprintf(
			"Storage warning: You are nearing the limit (%d chats or %d messages). Consider deleting old chats to free up space.",
			s.maxChats, s.maxMessagesTotal,
		)
	}
	return ""
}

func (s *Store) emit(warning string) {
	if warning == "" {
		return
	}
	s.mu.Lock()
	fn := s.warn
	s.mu.Unlock()
	if fn != nil {
		fn(warning)
	}
}
