package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/retry"
)

const (
	DefaultTorBinary      = "tor"
	DefaultStartupTimeout = 30 * time.Second
)

// Launcher starts a local Tor daemon when none answers on the control port,
// and stops it again on exit. A daemon it did not start is left alone.
type Launcher struct {
	Binary         string
	Args           []string
	StartupTimeout time.Duration
	PollInterval   time.Duration
	StopTimeout    time.Duration

	cmd  *exec.Cmd
	done chan error
}

// NewTorLauncher runs tor with its ports taken from the configured addresses
// and cookie authentication off, so AUTHENTICATE succeeds.
func NewTorLauncher(binary, socksAddr, controlAddr string, timeout time.Duration) (*Launcher, error) {
	if binary == "" {
		binary = DefaultTorBinary
	}
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	_, socksPort, err := net.SplitHostPort(socksAddr)
	if err != nil {
		return nil, fmt.Errorf("socks addr %q: %w", socksAddr, err)
	}
	_, controlPort, err := net.SplitHostPort(controlAddr)
	if err != nil {
		return nil, fmt.Errorf("control addr %q: %w", controlAddr, err)
	}

	return &Launcher{
		Binary:         binary,
		Args:           []string{"--SocksPort", socksPort, "--ControlPort", controlPort, "--CookieAuthentication", "0"},
		StartupTimeout: timeout,
		PollInterval:   time.Second,
		StopTimeout:    5 * time.Second,
	}, nil
}

// EnsureRunning returns at once if p answers. Otherwise it starts the daemon
// and polls p until it answers or StartupTimeout passes, in which case the
// daemon is stopped again. started reports whether this call launched it.
func (l *Launcher) EnsureRunning(ctx context.Context, p Pinger) (started bool, err error) {
	if err := p.Ping(ctx); err == nil {
		log.WithFields(log.Fields{"event": "tor_already_running"}).Info("tor is already running")
		return false, nil
	}

	cmd := exec.Command(l.Binary, l.Args...)
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start %s: %w", l.Binary, err)
	}
	l.cmd = cmd
	l.done = make(chan error, 1)
	go func() { l.done <- cmd.Wait() }()

	log.WithFields(log.Fields{
		"event": "tor_started",
		"pid":   cmd.Process.Pid,
	}).Info("started tor")

	deadline := time.Now().Add(l.StartupTimeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-l.done:
			l.cmd = nil
			return false, fmt.Errorf("%s exited during startup: %v", l.Binary, err)
		default:
		}
		if err := p.Ping(ctx); err == nil {
			log.WithFields(log.Fields{"event": "tor_ready"}).Info("tor is ready")
			return true, nil
		}
		if err := retry.Sleep(ctx, l.PollInterval); err != nil {
			_ = l.Stop()
			return false, err
		}
	}

	_ = l.Stop()
	return false, fmt.Errorf("%s not reachable within %s", l.Binary, l.StartupTimeout)
}

// Stop terminates a daemon started by EnsureRunning, killing it if it does not
// exit within StopTimeout.
func (l *Launcher) Stop() error {
	if l.cmd == nil {
		return nil
	}
	cmd := l.cmd
	l.cmd = nil

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop tor: %w", err)
	}

	select {
	case <-l.done:
	case <-time.After(l.StopTimeout):
		log.WithFields(log.Fields{"event": "tor_kill"}).Warn("tor did not stop in time, killing it")
		_ = cmd.Process.Kill()
		<-l.done
	}

	log.WithFields(log.Fields{"event": "tor_stopped"}).Info("stopped tor")
	return nil
}
