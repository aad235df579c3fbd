package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	rointe "rointe_sync"
	"rointe_sync/internal/config"
	"rointe_sync/internal/handlers"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/mqtt"
	"rointe_sync/internal/server"
	"rointe_sync/internal/telemetry"
)

const (
	defaultPort     = "8080"
	loginTimeout    = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default configs/config.yml)")
	flag.Parse()

	cfg, err := rointe.LoadConfig(*cfgPath)
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(cfg.Log.Level)

	session, err := rointe.NewSession(cfg)
	if err != nil {
		log.Fatalw("failed to build session", "err", err)
	}

	if err := authenticate(session, cfg, log); err != nil {
		log.Errorw("login failed; local API stays up for POST /auth/login", "err", err)
	}

	attachBridges(session, cfg, log)

	if session.HasSession() {
		if err := session.Start(context.Background()); err != nil {
			log.Errorw("engine start failed", "err", err)
		}
	}

	// start HTTP server
	srv := &server.Server{}
	apiHandler := handlers.NewHandler(session.Services(), cfg.HTTP.APIToken, log)
	runHTTPServer(srv, cfg.HTTP.Port, apiHandler, log)

	// graceful shutdown
	waitForShutdown(session, srv, log)
}

// authenticate restores the stored session or logs in with the configured account.
func authenticate(s *rointe.Session, cfg *config.Config, log *logger.Logger) error {
	if cfg.Account.Email == "" {
		log.Infow("account.email not set; waiting for login over the local API")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()
	return s.Authenticate(ctx, cfg.Account.Email, cfg.Account.Password)
}

// attachBridges registers the optional MQTT mirror and Influx sink as engine tasks.
func attachBridges(s *rointe.Session, cfg *config.Config, log *logger.Logger) {
	if cfg.MQTT.Enabled {
		client, err := mqtt.Dial(cfg.MQTT, log)
		if err != nil {
			log.Errorw("mqtt disabled", "err", err)
		} else {
			s.Attach("mqtt", mqtt.NewBridge(client, cfg.MQTT.TopicPrefix, s, s, log).Run)
		}
	}
	if cfg.Influx.Enabled {
		s.Attach("influx", telemetry.NewInfluxSink(cfg.Influx, s, log).Run)
	}
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = defaultPort
		}
		log.Infow("http_listening", "port", port)
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown blocks until a termination signal, then stops the API
// first and the engine second. A stopped engine leaves the API serving the
// last known tree and its status.
func waitForShutdown(s *rointe.Session, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-s.Done()
		if err := s.Err(); err != nil {
			log.Errorw("engine stopped", "err", err)
		}
	}()

	sig := <-quit
	log.Infow("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
	if err := s.Close(ctx); err != nil {
		log.Errorw("session close failed", "err", err)
	}
}
