package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// ReplyAction describes a reply to one received message.
type ReplyAction struct {
	From       string
	To         string
	ToName     string
	Subject    string
	Body       string
	ThreadID   string
	ReplyToID  string
	MessageID  string
	References string
}

// ReplySender composes replies and sends them through the user's mailbox.
type ReplySender struct {
	mailbox   providers.MailProvider
	signature string
	now       func() time.Time
}

// NewReplySender returns a sender that signs every reply with signature.
func NewReplySender(mailbox providers.MailProvider, signature string) *ReplySender {
	return &ReplySender{mailbox: mailbox, signature: signature, now: time.Now}
}

// Execute sends a. It is not idempotent; callers must invoke it at most once
// per processed message.
func (s *ReplySender) Execute(ctx context.Context, a ReplyAction) (ActionResult, error) {
	if a.To == "" {
		return ActionResult{}, &ActionError{Kind: Terminal, Action: "reply", Err: fmt.Errorf("reply has no recipient")}
	}

	body := s.sign(a.Body)
	raw, err := s.compose(a, body)
	if err != nil {
		return ActionResult{}, &ActionError{Kind: Terminal, Action: "reply", Err: err}
	}

	id, err := s.mailbox.SendMessage(ctx, providers.OutgoingMessage{
		ThreadID:  a.ThreadID,
		ReplyToID: a.ReplyToID,
		To:        []string{a.To},
		Subject:   ReplySubject(a.Subject),
		Body:      body,
		Raw:       raw,
	})
	if err != nil {
		return ActionResult{}, wrap("reply", err)
	}
	return ActionResult{Status: StatusSent, ExternalID: id}, nil
}

func (s *ReplySender) sign(body string) string {
	body = strings.TrimRight(body, "\n ")
	if s.signature == "" || strings.HasSuffix(body, s.signature) {
		return body
	}
	return body + "\n" + s.signature
}

// compose renders a as a single-part RFC 5322 message threaded onto the original.
func (s *ReplySender) compose(a ReplyAction, body string) ([]byte, error) {
	var h gomail.Header
	h.SetDate(s.now())
	h.SetAddressList("To", []*gomail.Address{{Name: a.ToName, Address: a.To}})
	if a.From != "" {
		h.SetAddressList("From", []*gomail.Address{{Address: a.From}})
	}
	h.SetSubject(ReplySubject(a.Subject))
	if id := strings.Trim(strings.TrimSpace(a.MessageID), "<>"); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", append(msgIDs(a.References), id))
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create reply writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close reply writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReplySubject prefixes subject with "Re: " unless it already is a reply.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	if subject == "" {
		return "Re:"
	}
	return "Re: " + subject
}

func msgIDs(v string) []string {
	var ids []string
	for _, f := range strings.Fields(v) {
		if id := strings.Trim(f, "<>"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
