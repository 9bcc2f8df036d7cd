package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Refresher exchanges a refresh token for a fresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes against a provider token endpoint.
type OAuthRefresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewOAuthRefresher returns a refresher for cfg whose HTTP exchanges time out
// after timeout.
func NewOAuthRefresher(cfg *oauth2.Config, timeout time.Duration) *OAuthRefresher {
	return &OAuthRefresher{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// GoogleConfig is the OAuth client for Gmail and Google Calendar.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.modify",
			"https://www.googleapis.com/auth/gmail.send",
			"https://www.googleapis.com/auth/calendar",
		},
	}
}

// MicrosoftConfig is the OAuth client for Outlook mail and calendar via Graph.
func MicrosoftConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "Mail.ReadWrite", "Mail.Send", "Calendars.ReadWrite"},
	}
}

// Refresh performs one refresh exchange. The returned token keeps the old
// refresh token when the provider does not rotate it.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// refreshFailureKind decides whether a refresh failure is permanent.
func refreshFailureKind(err error) Kind {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return Transient
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return Invalid
	}
	if re.Response == nil {
		return Transient
	}
	switch code := re.Response.StatusCode; {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient
	case code >= 400:
		return Invalid
	}
	return Transient
}
