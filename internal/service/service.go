package service

import (
	"context"
	"errors"
	"fmt"

	"rointe_sync/internal/models"
	"rointe_sync/internal/repository"
)

// Session exposes login state of the vendor account.
type Session interface {
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context) error
	HasSession() bool
}

// Control exposes user commands: mode, target temperature and schedule changes.
type Control interface {
	SetMode(ctx context.Context, deviceID string, mode models.Mode) error
	SetHVACMode(ctx context.Context, deviceID string, h models.HVACMode) error
	SetTemperature(ctx context.Context, deviceID string, value float64) error
	SetScheduleMode(ctx context.Context, deviceID string, auto bool) error
}

// Monitoring exposes read-only state (device tree, connectivity) and the change stream.
type Monitoring interface {
	Tree() []models.Installation
	Devices() []models.Device
	Device(id string) (models.Device, bool)
	Status() SyncStatus
	Discover(ctx context.Context) error
	Subscribe(buffer int) (<-chan models.DeviceChanged, func())
}

// CommandLog exposes the command history with filtering access.
type CommandLog interface {
	List(ctx context.Context, f LogFilter) ([]models.CommandRecord, error)
}

// Service aggregates the sub-services the local API is built on.
type Service struct {
	Session
	Control
	Monitoring
	CommandLog
}

// NewService exposes a running engine and the command history.
func NewService(engine *Engine, repos *repository.Repository) *Service {
	return &Service{
		Session:    liveSession{engine},
		Control:    engine,
		Monitoring: engine,
		CommandLog: NewCommandLogService(repos.Commands),
	}
}

// liveSession starts syncing as soon as an interactive login succeeds.
type liveSession struct{ *Engine }

func (s liveSession) Login(ctx context.Context, email, password string) error {
	if err := s.Engine.Login(ctx, email, password); err != nil {
		return err
	}
	if err := s.Engine.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return fmt.Errorf("start sync: %w", err)
	}
	return nil
}
