package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/webmux/webmux/internal/config"
	"github.com/webmux/webmux/internal/crypto"
	"github.com/webmux/webmux/internal/handlers"
	"github.com/webmux/webmux/internal/logging"
	"github.com/webmux/webmux/internal/session"
	"github.com/webmux/webmux/internal/telemetry"
	"github.com/webmux/webmux/internal/ws"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	config.Load()

	// Flags override the environment for the common knobs.
	host := flag.String("host", config.Cfg.Host, "listen address")
	port := flag.Int("port", config.Cfg.Port, "listen port")
	unsecure := flag.Bool("unsecure", config.Cfg.Unsecure, "serve plain HTTP instead of self-signed TLS")
	debug := flag.Bool("debug", config.Cfg.Debug, "verbose request logging")
	openMode := flag.Bool("open", config.Cfg.OpenMode, "treat anonymous connections as writable (single-user deployments)")
	flag.Parse()
	config.Cfg.Host = *host
	config.Cfg.Port = *port
	config.Cfg.Unsecure = *unsecure
	config.Cfg.Debug = *debug
	config.Cfg.OpenMode = *openMode

	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	registry := session.NewRegistry(session.Config{
		Shell:           config.Cfg.Shell,
		ScrollbackBytes: config.Cfg.ScrollbackBytes,
		ScrollbackLines: config.Cfg.ScrollbackLines,
		WriteTimeout:    config.Cfg.WriteTimeout,
		CloseGrace:      config.Cfg.CloseGrace,
		RetentionWindow: config.Cfg.RetentionWindow,
		OpenMode:        config.Cfg.OpenMode,
	})
	handlers.Registry = registry

	wsServer := ws.NewServer(registry, ws.Options{
		OutboundQueueFrames: config.Cfg.OutboundQueueFrames,
	})

	r := chi.NewRouter()
	if config.Cfg.Debug {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", handlers.HealthCheck)
	r.Handle("/metrics", telemetry.Handler())
	r.Handle("/ws", wsServer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Delete("/sessions/{id}", handlers.CloseSession)
	})

	// Periodic sweep of closed sessions whose retention window has lapsed.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 10m", func() { registry.SweepExpired() }); err != nil {
		log.Fatalf("Failed to schedule retention sweep: %v", err)
	}
	sweeper.Start()

	addr := fmt.Sprintf("%s:%d", config.Cfg.Host, config.Cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	if !config.Cfg.Unsecure {
		cert, err := crypto.GenerateServerCert(config.Cfg.Host)
		if err != nil {
			log.Fatalf("Failed to generate server certificate: %v", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Printf("Server starting on %s (tls=%t open_mode=%t)", addr, !config.Cfg.Unsecure, config.Cfg.OpenMode)
		var err error
		if config.Cfg.Unsecure {
			err = srv.ListenAndServe()
		} else {
			err = srv.ListenAndServeTLS("", "")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")

		sweeper.Stop()
		registry.CloseAll(config.Cfg.CloseGrace + 2*time.Second)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}
