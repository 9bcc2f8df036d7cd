package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

const me = "me"

var errEnoughPages = errors.New("gmail: enough messages")

// Adapter implements providers.MailProvider for Gmail
type Adapter struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
	log *logrus.Entry
}

// New creates a Gmail adapter whose requests draw their bearer token from ts.
func New(ctx context.Context, ts oauth2.TokenSource, log *logrus.Entry, opts ...option.ClientOption) (*Adapter, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	log = log.WithField("provider", "gmail")
	return &Adapter{
		svc: svc,
		cb:  providers.NewBreaker("gmail-api", log),
		log: log,
	}, nil
}

// ListMessageIDs returns up to q.Max inbox message ids, newest first.
func (a *Adapter) ListMessageIDs(ctx context.Context, q providers.Query) ([]string, error) {
	query := "in:inbox is:unread"
	if q.Filter == providers.FilterRecent {
		query = "in:inbox"
	}
	max := q.Max
	if max <= 0 {
		max = 10
	}

	res, err := providers.Guard(a.cb, "gmail.list", func() (interface{}, error) {
		ids := make([]string, 0, max)
		call := a.svc.Users.Messages.List(me).Q(query).IncludeSpamTrash(false).MaxResults(int64(max))
		err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				ids = append(ids, m.Id)
				if len(ids) >= max {
					return errEnoughPages
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errEnoughPages) {
			return nil, classify("gmail.list", err)
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// GetMessage fetches a full-fidelity snapshot of one message.
func (a *Adapter) GetMessage(ctx context.Context, id string) (mail.RawMessage, error) {
	res, err := providers.Guard(a.cb, "gmail.get", func() (interface{}, error) {
		m, err := a.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, classify("gmail.get", err)
		}
		return m, nil
	})
	if err != nil {
		return mail.RawMessage{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toRaw(res.(*gmail.Message)), nil
}

// SendMessage sends a composed reply in the original thread.
func (a *Adapter) SendMessage(ctx context.Context, msg providers.OutgoingMessage) (string, error) {
	res, err := providers.Guard(a.cb, "gmail.send", func() (interface{}, error) {
		sent, err := a.svc.Users.Messages.Send(me, &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(msg.Raw),
			ThreadId: msg.ThreadID,
		}).Context(ctx).Do()
		if err != nil {
			return nil, classify("gmail.send", err)
		}
		return sent.Id, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// toRaw converts a Gmail message into the provider-neutral snapshot
func toRaw(m *gmail.Message) mail.RawMessage {
	raw := mail.RawMessage{
		ProviderID: m.Id,
		ThreadID:   m.ThreadId,
		Labels:     m.LabelIds,
		Snippet:    m.Snippet,
	}
	if m.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			raw.Headers = append(raw.Headers, mail.Header{Name: h.Name, Value: h.Value})
		}
		raw.Payload = toPart(m.Payload)
	}
	return raw
}

func toPart(p *gmail.MessagePart) mail.Part {
	part := mail.Part{MimeType: p.MimeType, Filename: p.Filename}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		if child != nil {
			part.Parts = append(part.Parts, toPart(child))
		}
	}
	return part
}
