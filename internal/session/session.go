package session

import (
	"regexp"
	"strconv"
	"time"
)

// Sender identifies who authored a message
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Display formats for the human-readable timestamps stored with sessions
const (
	StartTimeLayout = "1/2/2006, 3:04:05 PM"
	TimestampLayout = "3:04:05 PM"
)

// Message represents a single chat message
type Message struct {
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Image     string `json:"image,omitempty"` // data URI, user messages only
	Timestamp string `json:"timestamp"`
}

// ChatSession represents a conversation thread
type ChatSession struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	StartTime string    `json:"startTime"`
	Messages  []Message `json:"messages"`
}

// NewUserMessage builds a user message stamped with t
func NewUserMessage(text, image string, t time.Time) Message {
	return Message{
		Sender:    SenderUser,
		Text:      text,
		Image:     image,
		Timestamp: t.Format(TimestampLayout),
	}
}

// NewAssistantMessage builds an assistant message stamped with t
func NewAssistantMessage(text string, t time.Time) Message {
	return Message{
		Sender:    SenderAssistant,
		Text:      text,
		Timestamp: t.Format(TimestampLayout),
	}
}

// Clone returns a deep copy of the session
func (s ChatSession) Clone() ChatSession {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	s.Messages = msgs
	return s
}

var titlePattern = regexp.MustCompile(`Chat (\d+)`)

// TitleNumber extracts N from a "Chat N" title; 0 when the title does not match
func TitleNumber(title string) int {
	m := titlePattern.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// NextTitle numbers a new session one past the highest existing "Chat N"
func NextTitle(sessions []ChatSession) string {
	highest := 0
	for _, s := range sessions {
		if n := TitleNumber(s.Title); n > highest {
			highest = n
		}
	}
	return "Chat " + strconv.Itoa(highest+1)
}
