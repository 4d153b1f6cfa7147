package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/nadmax/scholarq/internal/api"
	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/middleware"
	"github.com/nadmax/scholarq/internal/repository"
	"github.com/nadmax/scholarq/internal/session"
	"github.com/nadmax/scholarq/internal/storage"
)

func main() {
	location := flag.String("location", os.Getenv("SCHOLARQ_LOCATION"), "Run directory or redis://host:port/prefix to inspect")
	logLevel := flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	interval := flag.Duration("refresh", 10*time.Second, "How often to refresh the status gauges")
	flag.Parse()

	log.Init("scholarq-server", *logLevel)

	if *location == "" {
		log.WithFields(log.Fields{"event": "startup_failed"}).Error("-location or SCHOLARQ_LOCATION is required")
		os.Exit(1)
	}

	store, err := storage.Open(*location)
	if err != nil {
		log.WithFields(log.Fields{"event": "startup_failed", "location": *location}).Error(err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithFields(log.Fields{"event": "store_close_failed"}).Warn(err)
		}
	}()

	var history repository.AttemptRepository
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		repo, err := repository.NewPostgresAttemptRepository(dsn)
		if err != nil {
			log.WithFields(log.Fields{"event": "history_unavailable"}).Warn(err)
		} else {
			defer func() {
				if err := repo.Close(); err != nil {
					log.WithFields(log.Fields{"event": "history_close_failed"}).Warn(err)
				}
			}()
			history = repo
		}
	}

	inspector := session.NewInspector(store, history)
	apiHandler := middleware.MetricsMiddleware(api.NewAPI(inspector, history))

	go startMetricsCollector(context.Background(), inspector, *interval)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.WithFields(log.Fields{
		"event":    "server_started",
		"port":     port,
		"location": store.Location(),
	}).Info("serving run status")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           apiHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.WithFields(log.Fields{"event": "server_failed"}).Error(err)
		os.Exit(1)
	}
}
