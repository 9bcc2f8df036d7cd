package outlook

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Martian-dev/ai-brain-mailagent/internal/mail"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"body", "bodyPreview", "receivedDateTime", "isRead", "categories", "internetMessageHeaders",
}

// Adapter implements providers.MailProvider and providers.CalendarProvider
// for Outlook through Microsoft Graph.
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	mailbox string
	cb      *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

// New creates a Graph adapter for mailbox. cred is consulted on every request.
func New(cred azcore.TokenCredential, mailbox string, log *logrus.Entry) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	log = log.WithField("provider", "outlook")
	return &Adapter{
		client:  client,
		mailbox: mailbox,
		cb:      providers.NewBreaker("graph-api", log),
		log:     log,
	}, nil
}

// ListMessageIDs returns up to q.Max inbox message ids, newest first.
func (a *Adapter) ListMessageIDs(ctx context.Context, q providers.Query) ([]string, error) {
	max := q.Max
	if max <= 0 {
		max = 10
	}
	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     Int32Ptr(int32(max)),
		Select:  []string{"id"},
		Orderby: []string{"receivedDateTime desc"},
	}
	if q.Filter != providers.FilterRecent {
		filter := "isRead eq false"
		params.Filter = &filter
	}

	res, err := providers.Guard(a.cb, "graph.list", func() (interface{}, error) {
		result, err := a.client.Users().ByUserId(a.mailbox).MailFolders().ByMailFolderId("inbox").Messages().Get(ctx,
			&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
		if err != nil {
			return nil, classify("graph.list", err)
		}
		return result.GetValue(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, max)
	for _, m := range res.([]models.Messageable) {
		if id := m.GetId(); id != nil && len(ids) < max {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// GetMessage fetches one message with its internet headers.
func (a *Adapter) GetMessage(ctx context.Context, id string) (mail.RawMessage, error) {
	res, err := providers.Guard(a.cb, "graph.get", func() (interface{}, error) {
		m, err := a.client.Users().ByUserId(a.mailbox).Messages().ByMessageId(id).Get(ctx,
			&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{Select: messageFields},
			})
		if err != nil {
			return nil, classify("graph.get", err)
		}
		return m, nil
	})
	if err != nil {
		return mail.RawMessage{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toRaw(res.(models.Messageable)), nil
}

// SendMessage replies to msg.ReplyToID: Graph builds the threaded draft, which
// is then sent. The draft id is returned as the sent message id.
func (a *Adapter) SendMessage(ctx context.Context, msg providers.OutgoingMessage) (string, error) {
	res, err := providers.Guard(a.cb, "graph.reply", func() (interface{}, error) {
		body := users.NewItemMessagesItemCreateReplyPostRequestBody()
		body.SetComment(&msg.Body)

		draft, err := a.client.Users().ByUserId(a.mailbox).Messages().ByMessageId(msg.ReplyToID).CreateReply().Post(ctx, body, nil)
		if err != nil {
			return nil, classify("graph.reply", err)
		}
		draftID := draft.GetId()
		if draftID == nil {
			return nil, providers.Classify("graph.reply", 0, false, fmt.Errorf("reply draft has no id"))
		}
		if err := a.client.Users().ByUserId(a.mailbox).Messages().ByMessageId(*draftID).Send().Post(ctx, nil); err != nil {
			return nil, classify("graph.send", err)
		}
		return *draftID, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// toRaw converts an Outlook message into the provider-neutral snapshot. Graph
// returns decoded bodies, so the content is re-encoded to match Gmail parts.
func toRaw(m models.Messageable) mail.RawMessage {
	raw := mail.RawMessage{
		ProviderID: deref(m.GetId()),
		ThreadID:   deref(m.GetConversationId()),
		Snippet:    deref(m.GetBodyPreview()),
		Labels:     append([]string{"INBOX"}, m.GetCategories()...),
	}
	if read := m.GetIsRead(); read != nil && !*read {
		raw.Labels = append(raw.Labels, mail.LabelUnread)
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = rcvd.UTC()
	}

	if headers := m.GetInternetMessageHeaders(); len(headers) > 0 {
		for _, h := range headers {
			raw.Headers = append(raw.Headers, mail.Header{Name: deref(h.GetName()), Value: deref(h.GetValue())})
		}
	} else {
		raw.Headers = synthesizeHeaders(m)
	}

	if body := m.GetBody(); body != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		raw.Payload = mail.Part{
			MimeType: mimeType,
			Data:     base64.URLEncoding.EncodeToString([]byte(deref(body.GetContent()))),
		}
	}
	return raw
}

// synthesizeHeaders rebuilds the headers Normalize reads when Graph did not
// return the internet headers.
func synthesizeHeaders(m models.Messageable) []mail.Header {
	var headers []mail.Header
	if from := m.GetFrom(); from != nil {
		headers = append(headers, mail.Header{Name: "From", Value: formatRecipient(from)})
	}
	if to := extractAddresses(m.GetToRecipients()); len(to) > 0 {
		headers = append(headers, mail.Header{Name: "To", Value: strings.Join(to, ", ")})
	}
	if cc := extractAddresses(m.GetCcRecipients()); len(cc) > 0 {
		headers = append(headers, mail.Header{Name: "Cc", Value: strings.Join(cc, ", ")})
	}
	if subject := m.GetSubject(); subject != nil {
		headers = append(headers, mail.Header{Name: "Subject", Value: *subject})
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		headers = append(headers, mail.Header{Name: "Date", Value: rcvd.UTC().Format(time.RFC1123Z)})
	}
	return headers
}

func formatRecipient(r models.Recipientable) string {
	email := r.GetEmailAddress()
	if email == nil {
		return ""
	}
	addr, name := deref(email.GetAddress()), deref(email.GetName())
	if name != "" && name != addr {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
