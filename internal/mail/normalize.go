package mail

import (
	"encoding/base64"
	"mime"
	netmail "net/mail"
	"strings"
	"time"
)

// LabelUnread is the provider label marking a message as unread.
const LabelUnread = "UNREAD"

// dateLayouts are tried in order when net/mail cannot parse a Date header.
var dateLayouts = []string{
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
}

// Normalize converts a raw provider message into a NormalizedMessage. It never
// fails: anything missing or undecodable becomes an empty value.
func Normalize(userID string, raw RawMessage) NormalizedMessage {
	headers := make(map[string]string, len(raw.Headers))
	for _, h := range raw.Headers {
		key := strings.ToLower(strings.TrimSpace(h.Name))
		if key == "" {
			continue
		}
		if _, seen := headers[key]; seen {
			continue
		}
		headers[key] = h.Value
	}

	labels := raw.Labels
	if labels == nil {
		labels = []string{}
	}

	return NormalizedMessage{
		UserID:     userID,
		ThreadID:   raw.ThreadID,
		MessageID:  raw.ProviderID,
		From:       headers["from"],
		To:         headers["to"],
		ReceivedAt: receivedAt(headers["date"], raw.InternalDate),
		Subject:    headers["subject"],
		Body:       extractBody(raw.Payload),
		Snippet:    raw.Snippet,
		IsRead:     !containsLabel(labels, LabelUnread),
		Labels:     labels,
		RawHeaders: headers,
	}
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

// extractBody prefers the first text/plain part found depth-first, then the
// first text/html part, then the top-level body.
func extractBody(payload Part) string {
	if len(payload.Parts) == 0 {
		return decodeBody(payload.Data)
	}
	if p, ok := findPart(payload.Parts, "text/plain"); ok {
		return decodeBody(p.Data)
	}
	if p, ok := findPart(payload.Parts, "text/html"); ok {
		return decodeBody(p.Data)
	}
	return decodeBody(payload.Data)
}

func findPart(parts []Part, mediaType string) (Part, bool) {
	for _, p := range parts {
		if p.Filename == "" && p.Data != "" && baseMediaType(p.MimeType) == mediaType {
			return p, true
		}
		if found, ok := findPart(p.Parts, mediaType); ok {
			return found, true
		}
	}
	return Part{}, false
}

func baseMediaType(v string) string {
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// decodeBody decodes URL-safe base64, padded or not. Failures yield "".
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	data = strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, data)

	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	return ""
}

func receivedAt(dateHeader string, internal time.Time) time.Time {
	if t, ok := parseDate(dateHeader); ok {
		return t.UTC()
	}
	if !internal.IsZero() {
		return internal.UTC()
	}
	return time.Time{}
}

func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := netmail.ParseDate(v); err == nil {
		return t, true
	}

	// Strip a trailing "(MST)" style comment.
	if open := strings.LastIndex(v, " ("); open != -1 && strings.HasSuffix(v, ")") {
		v = strings.TrimSpace(v[:open])
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
