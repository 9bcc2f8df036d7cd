package store

import (
	"context"
	"time"
)

// Credential is one user's OAuth grant as written by the external consent flow.
type Credential struct {
	UserID              string    `json:"user_id"`
	Provider            string    `json:"provider"`
	AccountEmail        string    `json:"account_email,omitempty"`
	AccessToken         string    `json:"access_token"`
	RefreshToken        string    `json:"refresh_token"`
	Expiry              time.Time `json:"expiry"`
	RevokedRefreshToken string    `json:"-"`
}

// Revoked reports whether the stored refresh token was rejected permanently.
func (c *Credential) Revoked() bool {
	return c.RevokedRefreshToken != "" && c.RevokedRefreshToken == c.RefreshToken
}

type credentialRow struct {
	UserID              string `db:"user_id"`
	Provider            string `db:"provider"`
	AccountEmail        string `db:"account_email"`
	AccessToken         string `db:"access_token"`
	RefreshToken        string `db:"refresh_token"`
	Expiry              int64  `db:"expiry"`
	RevokedRefreshToken string `db:"revoked_refresh_token"`
}

// GetCredential loads the credential for userID, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT user_id, provider, account_email, access_token, refresh_token, expiry, revoked_refresh_token
		FROM credentials WHERE user_id = ?
	`), userID)
	if err != nil {
		return nil, s.fail("get credential", err)
	}
	return &Credential{
		UserID:              row.UserID,
		Provider:            row.Provider,
		AccountEmail:        row.AccountEmail,
		AccessToken:         row.AccessToken,
		RefreshToken:        row.RefreshToken,
		Expiry:              fromUnix(row.Expiry),
		RevokedRefreshToken: row.RevokedRefreshToken,
	}, nil
}

// SaveCredential inserts or replaces the tokens for c.UserID. An empty account
// keeps the stored one.
func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	provider := c.Provider
	if provider == "" {
		provider = "google"
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO credentials (user_id, provider, account_email, access_token, refresh_token, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			provider = excluded.provider,
			account_email = CASE WHEN excluded.account_email != '' THEN excluded.account_email ELSE credentials.account_email END,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`), c.UserID, provider, c.AccountEmail, c.AccessToken, c.RefreshToken, unix(c.Expiry), s.now().Unix())
	if err != nil {
		return s.fail("save credential", err)
	}
	return nil
}

// MarkRefreshRevoked records that refreshToken was rejected permanently. The
// credential stays unusable until a different refresh token is saved.
func (s *Store) MarkRefreshRevoked(ctx context.Context, userID, refreshToken string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE credentials SET revoked_refresh_token = ?, access_token = '', updated_at = ?
		WHERE user_id = ? AND refresh_token = ?
	`), refreshToken, s.now().Unix(), userID, refreshToken)
	if err != nil {
		return s.fail("mark refresh revoked", err)
	}
	return nil
}
