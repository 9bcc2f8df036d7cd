package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/ai-brain-mailagent/internal/retry"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
)

// expiryDelta is how close to expiry an access token is refreshed early.
const expiryDelta = time.Minute

// CredentialStore is the part of the store the broker reads and writes.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*store.Credential, error)
	SaveCredential(ctx context.Context, c store.Credential) error
	MarkRefreshRevoked(ctx context.Context, userID, refreshToken string) error
}

// Broker hands out access tokens that are valid for at least expiryDelta,
// refreshing and persisting rotations as needed.
type Broker struct {
	store     CredentialStore
	refresher Refresher
	policy    retry.Policy
	log       *logrus.Entry
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBroker creates a broker over st that refreshes through r.
func NewBroker(st CredentialStore, r Refresher, policy retry.Policy, log *logrus.Entry) *Broker {
	return &Broker{
		store:     st,
		refresher: r,
		policy:    policy,
		log:       log.WithField("component", "credential_broker"),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (b *Broker) lockFor(userID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[userID] = l
	}
	return l
}

// ObtainValidCredential returns userID's credential with an access token that
// is not about to expire. Every failure is a *CredentialError.
func (b *Broker) ObtainValidCredential(ctx context.Context, userID string) (*store.Credential, error) {
	// Serialized per user so a rotation is persisted before anyone reads again.
	l := b.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	log := b.log.WithField("user_id", userID)

	cred, err := b.loadCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred.Revoked() {
		return nil, &CredentialError{Kind: Invalid, UserID: userID, Err: errors.New("refresh token was revoked, re-authentication required")}
	}
	if cred.AccessToken != "" && !cred.Expiry.IsZero() && cred.Expiry.After(b.now().Add(expiryDelta)) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, &CredentialError{Kind: Invalid, UserID: userID, Err: errors.New("access token expired and no refresh token stored")}
	}

	var tok *oauth2.Token
	err = retry.Do(ctx, b.policy, func(err error) bool {
		return refreshFailureKind(err) == Transient
	}, func(ctx context.Context) error {
		t, err := b.refresher.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			log.WithError(err).Debug("token refresh attempt failed")
			return err
		}
		tok = t
		return nil
	})
	if err != nil {
		if refreshFailureKind(err) == Invalid {
			log.WithError(err).Warn("refresh token rejected, marking credential revoked")
			if merr := b.store.MarkRefreshRevoked(context.WithoutCancel(ctx), userID, cred.RefreshToken); merr != nil {
				log.WithError(merr).Error("failed to record revoked refresh token")
			}
			return nil, &CredentialError{Kind: Invalid, UserID: userID, Err: err}
		}
		return nil, &CredentialError{Kind: Transient, UserID: userID, Err: fmt.Errorf("token refresh: %w", err)}
	}

	refreshed := *cred
	refreshed.AccessToken = tok.AccessToken
	refreshed.Expiry = tok.Expiry
	rotated := tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken
	if rotated {
		refreshed.RefreshToken = tok.RefreshToken
	}

	if err := b.saveCredential(ctx, refreshed); err != nil {
		if rotated {
			// The old refresh token may already be dead; using the new one
			// unpersisted would lose it.
			return nil, &CredentialError{Kind: Transient, UserID: userID, Err: fmt.Errorf("persist rotated credential: %w", err)}
		}
		log.WithError(err).Warn("failed to persist refreshed access token")
	}
	if rotated {
		log.Info("refresh token rotated")
	}
	log.WithField("expiry", refreshed.Expiry).Debug("access token refreshed")
	return &refreshed, nil
}

func (b *Broker) loadCredential(ctx context.Context, userID string) (*store.Credential, error) {
	var cred *store.Credential
	err := retry.Do(ctx, b.policy, store.IsPersistence, func(ctx context.Context) error {
		c, err := b.store.GetCredential(ctx, userID)
		cred = c
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, &CredentialError{Kind: NotFound, UserID: userID, Err: err}
	}
	if err != nil {
		return nil, &CredentialError{Kind: Transient, UserID: userID, Err: err}
	}
	return cred, nil
}

func (b *Broker) saveCredential(ctx context.Context, c store.Credential) error {
	return retry.Do(context.WithoutCancel(ctx), b.policy, store.IsPersistence, func(ctx context.Context) error {
		return b.store.SaveCredential(ctx, c)
	})
}

// TokenSource adapts the broker for Google API clients. Each Token call
// consults the broker. Cancelling ctx does not stop refreshes, so a request
// in flight at shutdown can still obtain a token.
func (b *Broker) TokenSource(ctx context.Context, userID string) oauth2.TokenSource {
	return &brokerTokenSource{ctx: context.WithoutCancel(ctx), broker: b, userID: userID}
}

type brokerTokenSource struct {
	ctx    context.Context
	broker *Broker
	userID string
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	c, err := s.broker.ObtainValidCredential(s.ctx, s.userID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: c.AccessToken, TokenType: "Bearer", Expiry: c.Expiry}, nil
}

// AzureCredential adapts the broker for Microsoft Graph clients.
func (b *Broker) AzureCredential(userID string) azcore.TokenCredential {
	return &azureCredential{broker: b, userID: userID}
}

type azureCredential struct {
	broker *Broker
	userID string
}

func (c *azureCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	cred, err := c.broker.ObtainValidCredential(ctx, c.userID)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: cred.AccessToken, ExpiresOn: cred.Expiry}, nil
}
