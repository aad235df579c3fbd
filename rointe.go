// Package rointe_sync keeps a local mirror of a Rointe heater fleet in sync
// with the vendor cloud and sends commands back to it.
package rointe_sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rointe_sync/internal/config"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/repository"
	"rointe_sync/internal/repository/db"
	"rointe_sync/internal/service"
)

type (
	Config        = config.Config
	Installation  = models.Installation
	Zone          = models.Zone
	Device        = models.Device
	DeviceState   = models.DeviceState
	DeviceChanged = models.DeviceChanged
	Category      = models.Category
	Mode          = models.Mode
	HVACMode      = models.HVACMode
	Field         = models.Field
	CommandRecord = models.CommandRecord
	SyncStatus    = service.SyncStatus
	LogFilter     = service.LogFilter
	Task          = service.Task
)

const (
	ModeOff     = models.ModeOff
	ModeComfort = models.ModeComfort
	ModeEco     = models.ModeEco
	ModeIce     = models.ModeIce

	HVACOff  = models.HVACOff
	HVACHeat = models.HVACHeat
)

var (
	ErrNotLoggedIn  = service.ErrNotLoggedIn
	ErrEngineClosed = service.ErrEngineClosed
)

// LoadConfig reads the configuration file at path, or configs/config.yml when empty.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Session is one logged-in account with its device mirror. The embedded
// engine provides Login, Discover, Start, Tree, Subscribe, the command
// operations and Status.
type Session struct {
	*service.Engine

	db    *sql.DB
	repos *repository.Repository
}

// NewSession opens the credential database and builds the sync engine.
// Nothing touches the network until Login or Authenticate.
func NewSession(cfg *Config) (*Session, error) {
	log := logger.Get(cfg.Log.Level)

	conn, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("init sqlite: %w", err)
	}
	repos := repository.NewRepository(conn, cfg.DB.Secret)

	engine, err := service.NewEngine(cfg, repos, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Session{Engine: engine, db: conn, repos: repos}, nil
}

// Services exposes the session to the local API layer.
func (s *Session) Services() *service.Service {
	return service.NewService(s.Engine, s.repos)
}

// Commands lists the command audit log.
func (s *Session) Commands(ctx context.Context, f LogFilter) ([]CommandRecord, error) {
	return service.NewCommandLogService(s.repos.Commands).List(ctx, f)
}

// Close shuts the engine down and releases the database.
func (s *Session) Close(ctx context.Context) error {
	err := s.Engine.Shutdown(ctx)
	return errors.Join(err, s.db.Close())
}
