package mail

import (
	"strings"
	"time"
)

// Header is a single provider header line, kept in provider order.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a provider message body. Data holds the body bytes in
// URL-safe base64, the way Gmail delivers them.
type Part struct {
	MimeType string
	Filename string
	Data     string
	Parts    []Part
}

// RawMessage is an immutable snapshot of a provider message at fetch time.
type RawMessage struct {
	ProviderID   string
	ThreadID     string
	Headers      []Header
	Payload      Part
	Labels       []string
	Snippet      string
	InternalDate time.Time
}

// NormalizedMessage is the canonical flat record the pipeline operates on.
type NormalizedMessage struct {
	UserID     string            `json:"user_id"`
	ThreadID   string            `json:"thread_id"`
	MessageID  string            `json:"message_id"`
	From       string            `json:"from_email"`
	To         string            `json:"to_email"`
	ReceivedAt time.Time         `json:"received_at"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Snippet    string            `json:"snippet"`
	IsRead     bool              `json:"is_read"`
	Labels     []string          `json:"labels"`
	RawHeaders map[string]string `json:"raw_headers"`
}

// Header returns the first value of the named header, case-insensitively.
func (m NormalizedMessage) Header(name string) string {
	return m.RawHeaders[strings.ToLower(name)]
}

// HasLabel reports whether the message carries the given provider label.
func (m NormalizedMessage) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
