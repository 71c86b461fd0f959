package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// TextRequest represents the request body for the text assistant endpoint
type TextRequest struct {
	Message string `json:"message"`
	Context any    `json:"context"` // opaque module context supplied by the host page
}

// Fragment represents one line of the streamed response. Each backend fills
// a different field: the text model sends response, image-to-text sends
// description and object detection sends detected_objects.
type Fragment struct {
	Response        json.RawMessage `json:"response,omitempty"`
	Description     json.RawMessage `json:"description,omitempty"`
	DetectedObjects json.RawMessage `json:"detected_objects,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	Done            bool            `json:"done,omitempty"`
}

// Text returns the incremental text of the fragment: the first non-empty of
// response, description, detected_objects and error, in that order
func (f Fragment) Text() string {
	for _, raw := range []json.RawMessage{f.Response, f.Description, f.DetectedObjects, f.Error} {
		if s := rawText(raw); s != "" {
			return s
		}
	}
	return ""
}

// rawText renders a JSON value as text: strings unquoted, null/false/empty as
// "", anything else as compact JSON
func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch string(trimmed) {
	case "null", "false", `""`:
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

// HTTPError is returned when the backend answers with a non-2xx status
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error! Status: %d, Details: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// NewTextRequest builds the JSON POST sent to the text profile endpoint
func NewTextRequest(ctx context.Context, endpoint, message string, moduleContext any) (*http.Request, error) {
	jsonData, err := json.Marshal(TextRequest{Message: message, Context: moduleContext})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	return req, nil
}
