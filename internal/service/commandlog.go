package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rointe_sync/internal/models"
	"rointe_sync/internal/repository"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ErrInvalidFilter is returned for a history query that names an unknown
// command type or outcome, or an inverted time range.
var ErrInvalidFilter = errors.New("invalid command filter")

// CommandLogService answers questions about past commands: what was sent to
// a device and which attempts the vendor refused or never received.
type CommandLogService struct {
	repo repository.CommandLog
}

func NewCommandLogService(repo repository.CommandLog) *CommandLogService {
	return &CommandLogService{repo: repo}
}

// List returns matching commands, newest first.
func (s *CommandLogService) List(ctx context.Context, f LogFilter) ([]models.CommandRecord, error) {
	q, err := f.query()
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, q)
}

func (f LogFilter) query() (repository.CommandFilter, error) {
	q := repository.CommandFilter{
		DeviceID: strings.TrimSpace(f.DeviceID),
		Type:     strings.ToUpper(strings.TrimSpace(f.Type)),
		Outcome:  strings.ToUpper(strings.TrimSpace(f.Outcome)),
		Limit:    f.Limit,
	}
	if !f.From.IsZero() {
		q.From = f.From.UTC()
	}
	if !f.To.IsZero() {
		q.To = f.To.UTC()
	}

	switch {
	case !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To):
		return q, fmt.Errorf("%w: from is after to", ErrInvalidFilter)
	case q.Type != "" && !models.ValidCommandType(q.Type):
		return q, fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, f.Type)
	case q.Outcome != "" && !models.ValidCommandOutcome(q.Outcome):
		return q, fmt.Errorf("%w: unknown outcome %q", ErrInvalidFilter, f.Outcome)
	case q.Limit < 0:
		return q, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}

	switch {
	case q.Limit == 0:
		q.Limit = defaultHistoryLimit
	case q.Limit > maxHistoryLimit:
		q.Limit = maxHistoryLimit
	}
	return q, nil
}
