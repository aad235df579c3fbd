package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rointe_sync/internal/models"
)

// CredentialSQLite persists refresh tokens per account.
type CredentialSQLite struct {
	db     *sql.DB
	sealer *Sealer
}

func NewCredentialSQLite(db *sql.DB, sealer *Sealer) *CredentialSQLite {
	if sealer == nil {
		sealer = NewSealer("")
	}
	return &CredentialSQLite{db: db, sealer: sealer}
}

// Ensure implementation of CredentialStore interface at compile time.
var _ CredentialStore = (*CredentialSQLite)(nil)

const (
	upsertCredentialSQL = `INSERT INTO credentials (account, user_id, refresh_token, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(account) DO UPDATE SET user_id = excluded.user_id, refresh_token = excluded.refresh_token, updated_at = excluded.updated_at`
	selectCredentialSQL = `SELECT account, user_id, refresh_token, updated_at FROM credentials WHERE account = ?`
	deleteCredentialSQL = `DELETE FROM credentials WHERE account = ?`
)

// AccountKey normalizes an account email into the storage key.
func AccountKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Save upserts the credential, sealing the refresh token.
func (r *CredentialSQLite) Save(ctx context.Context, c models.Credential) error {
	sealed, err := r.sealer.Seal(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	account := AccountKey(c.Account)
	if _, err := r.db.ExecContext(ctx, upsertCredentialSQL, account, c.UserID, sealed, c.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("save credential %q: %w", account, err)
	}
	return nil
}

// Load fetches the credential for account. Returns (nil, nil) if none is stored.
func (r *CredentialSQLite) Load(ctx context.Context, account string) (*models.Credential, error) {
	var (
		c      models.Credential
		sealed string
	)
	account = AccountKey(account)
	err := r.db.QueryRowContext(ctx, selectCredentialSQL, account).Scan(&c.Account, &c.UserID, &sealed, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select credential %q: %w", account, err)
	}
	if c.RefreshToken, err = r.sealer.Open(sealed); err != nil {
		return nil, fmt.Errorf("credential %q: %w", account, err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// Delete removes the stored credential. Deleting a missing account is not an error.
func (r *CredentialSQLite) Delete(ctx context.Context, account string) error {
	account = AccountKey(account)
	if _, err := r.db.ExecContext(ctx, deleteCredentialSQL, account); err != nil {
		return fmt.Errorf("delete credential %q: %w", account, err)
	}
	return nil
}
