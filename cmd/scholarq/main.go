package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nadmax/scholarq/internal/api"
	"github.com/nadmax/scholarq/internal/config"
	"github.com/nadmax/scholarq/internal/executor"
	"github.com/nadmax/scholarq/internal/identity"
	"github.com/nadmax/scholarq/internal/input"
	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/middleware"
	"github.com/nadmax/scholarq/internal/notify"
	"github.com/nadmax/scholarq/internal/repository"
	"github.com/nadmax/scholarq/internal/session"
)

const runLogFile = "scholarq.log"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	fs := flag.NewFlagSet("scholarq", flag.ContinueOnError)
	fs.String("config", "", "YAML config file (also $CFG_PATH)")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log.Init("scholarq", cfg.LogLevel)

	rd, err := resolveRun(cfg, time.Now())
	if err != nil {
		log.WithFields(log.Fields{"event": "run_dir_failed"}).Error(err)
		return 1
	}
	if closeLog, err := teeLog(rd.dir); err != nil {
		log.WithFields(log.Fields{"event": "run_log_failed"}).Warn(err)
	} else {
		defer closeLog()
	}

	tasks, err := input.ReadFile(cfg.CSVFile)
	if err != nil {
		log.WithFields(log.Fields{"event": "input_failed", "file": cfg.CSVFile}).Error(err)
		return 1
	}

	client, err := identity.NewSOCKSClient(cfg.Tor.SOCKSAddr, cfg.RequestTimeout)
	if err != nil {
		log.WithFields(log.Fields{"event": "socks_failed"}).Error(err)
		return 1
	}
	tor := identity.NewTor(
		identity.NewTorController(cfg.Tor.ControlAddr, cfg.Tor.Password, cfg.Tor.SettleWait),
		identity.NewIPChecker(client, cfg.Tor.IPCheckURL),
	)
	if cfg.Tor.Launch {
		stopTor, err := launchTor(cfg, tor)
		if err != nil {
			log.WithFields(log.Fields{"event": "tor_launch_failed"}).Error(err)
			return 1
		}
		defer stopTor()
	}

	var rotator identity.Rotator = tor
	if cfg.Tor.SerializeRotation {
		rotator = identity.NewSerialized(tor)
	}

	fetcher := executor.NewProfileFetcher(client, "", cfg.OutputDir, tor.CurrentIdentity)

	var opts []session.Option
	var history repository.AttemptRepository
	if cfg.PostgresDSN != "" {
		repo, err := repository.NewPostgresAttemptRepository(cfg.PostgresDSN)
		if err != nil {
			log.WithFields(log.Fields{"event": "history_unavailable"}).Warn(err)
		} else {
			defer func() {
				if err := repo.Close(); err != nil {
					log.WithFields(log.Fields{"event": "history_close_failed"}).Warn(err)
				}
			}()
			history = repo
			opts = append(opts, session.WithHistory(repo))
		}
	}

	coord := session.NewCoordinator(cfg.Session(rd.location, rd.resumeFrom), rotator, fetcher, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           middleware.MetricsMiddleware(api.NewAPI(coord, history)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithFields(log.Fields{"event": "metrics_server_failed", "addr": cfg.MetricsAddr}).Error(err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.WithFields(log.Fields{"event": "metrics_server_started", "addr": cfg.MetricsAddr}).Info("serving status views")
	}

	log.WithFields(log.Fields{
		"event":            "run_start",
		"run_dir":          rd.dir,
		"resume":           rd.resumeFrom != "",
		"tasks":            len(tasks),
		"workers":          cfg.Workers,
		"ip_limit":         cfg.IdentityLimit,
		"retries":          cfg.MaxRetries,
		"resume_exhausted": cfg.ResumeExhausted,
		"redis":            cfg.RedisAddr != "",
		"postgres":         history != nil,
		"output":           cfg.OutputDir,
	}).Info("starting scholarq")

	report, err := coord.RunBatch(ctx, tasks)
	if report != nil {
		if werr := report.Write(os.Stdout); werr != nil {
			log.WithFields(log.Fields{"event": "report_write_failed"}).Warn(werr)
		}
		sendReport(cfg, report)
	}

	switch {
	case errors.Is(err, session.ErrInterrupted):
		log.WithFields(log.Fields{"event": "run_interrupted", "run_dir": rd.dir}).
			Warn("interrupted; continue with -continue")
		return 1
	case err != nil:
		log.WithFields(log.Fields{"event": "run_failed"}).Error(err)
		return 1
	}
	return 0
}

// configPath finds -config ahead of flag parsing so the file can supply
// flag defaults.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// launchTor starts a local tor when none answers and returns the matching
// cleanup.
func launchTor(cfg *config.Config, p identity.Pinger) (func(), error) {
	launcher, err := identity.NewTorLauncher(cfg.Tor.Binary, cfg.Tor.SOCKSAddr, cfg.Tor.ControlAddr, cfg.Tor.StartupTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := launcher.EnsureRunning(context.Background(), p); err != nil {
		return nil, err
	}
	return func() {
		if err := launcher.Stop(); err != nil {
			log.WithFields(log.Fields{"event": "tor_stop_failed"}).Warn(err)
		}
	}, nil
}

func teeLog(dir string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(dir, runLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return func() {
		log.SetOutput(os.Stdout)
		_ = f.Close()
	}, nil
}

func sendReport(cfg *config.Config, report *session.Report) {
	if cfg.Email.To == "" {
		return
	}
	mailer, err := notify.NewMailer(cfg.Email.APIKey, cfg.Email.FromName, cfg.Email.FromAddress)
	if err != nil {
		log.WithFields(log.Fields{"event": "report_email_skipped"}).Warn(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mailer.SendReport(ctx, cfg.Email.To, report); err != nil {
		log.WithFields(log.Fields{"event": "report_email_failed", "to": cfg.Email.To}).Warn(err)
	}
}
