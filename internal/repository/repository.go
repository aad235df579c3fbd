package repository

import (
	"context"
	"database/sql"
	"time"

	"rointe_sync/internal/models"
)

// CredentialStore persists the refresh token across restarts. Passwords are never stored.
type CredentialStore interface {
	Save(ctx context.Context, c models.Credential) error
	Load(ctx context.Context, account string) (*models.Credential, error)
	Delete(ctx context.Context, account string) error
}

// CommandFilter narrows a command history query. Zero fields match everything.
type CommandFilter struct {
	From     time.Time // inclusive
	To       time.Time // inclusive
	DeviceID string
	Type     string
	Outcome  string
	Limit    int // 0 means no limit
}

// CommandLog is the audit trail of dispatched commands.
type CommandLog interface {
	Append(ctx context.Context, c models.CommandRecord) error
	List(ctx context.Context, f CommandFilter) ([]models.CommandRecord, error)
}

type Repository struct {
	Credentials CredentialStore
	Commands    CommandLog
}

func NewRepository(db *sql.DB, secret string) *Repository {
	return &Repository{
		Credentials: NewCredentialSQLite(db, NewSealer(secret)),
		Commands:    NewCommandSQLite(db),
	}
}
