package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rointe_sync/internal/models"

	"github.com/google/uuid"
)

// occurred_at is stored as text in this layout so range bounds compare lexically.
const commandTimeLayout = "2006-01-02 15:04:05"

type CommandSQLite struct {
	db *sql.DB
}

func NewCommandSQLite(db *sql.DB) *CommandSQLite { return &CommandSQLite{db: db} }

var _ CommandLog = (*CommandSQLite)(nil)

// Append records one dispatched command. A missing id or timestamp is filled in.
func (r *CommandSQLite) Append(ctx context.Context, c models.CommandRecord) error {
	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now()
	}

	var payload sql.NullString
	if len(c.Payload) > 0 {
		b, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("encode payload of command %s: %w", c.CommandID, err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	var detail sql.NullString
	if c.Detail != "" {
		detail = sql.NullString{String: c.Detail, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO command_log (id, occurred_at, device_id, type, outcome, detail, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		c.CommandID,
		c.OccurredAt.UTC().Format(commandTimeLayout),
		c.DeviceID,
		strings.ToUpper(strings.TrimSpace(c.Type)),
		strings.ToUpper(c.Outcome),
		detail,
		payload,
	)
	if err != nil {
		return fmt.Errorf("append command %s: %w", c.CommandID, err)
	}
	return nil
}

// List returns matching records, newest first.
func (r *CommandSQLite) List(ctx context.Context, f CommandFilter) ([]models.CommandRecord, error) {
	where, args := f.clauses()
	q := `SELECT id, occurred_at, device_id, type, outcome, detail, payload FROM command_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurred_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []models.CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (f CommandFilter) clauses() ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.DeviceID != "" {
		add("device_id = ?", f.DeviceID)
	}
	if f.Type != "" {
		add("type = ?", strings.ToUpper(f.Type))
	}
	if f.Outcome != "" {
		add("outcome = ?", strings.ToUpper(f.Outcome))
	}
	if !f.From.IsZero() {
		add("occurred_at >= ?", f.From.UTC().Format(commandTimeLayout))
	}
	if !f.To.IsZero() {
		add("occurred_at <= ?", f.To.UTC().Format(commandTimeLayout))
	}
	return where, args
}

func scanCommand(rows *sql.Rows) (models.CommandRecord, error) {
	var (
		rec     models.CommandRecord
		detail  sql.NullString
		payload sql.NullString
	)
	if err := rows.Scan(&rec.CommandID, &rec.OccurredAt, &rec.DeviceID, &rec.Type, &rec.Outcome, &detail, &payload); err != nil {
		return rec, fmt.Errorf("scan command: %w", err)
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.Detail = detail.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return rec, fmt.Errorf("decode payload of command %s: %w", rec.CommandID, err)
		}
	}
	return rec, nil
}
