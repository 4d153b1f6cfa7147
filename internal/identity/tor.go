package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/retry"
	"golang.org/x/net/proxy"
)

const (
	DefaultSOCKSAddr   = "127.0.0.1:9050"
	DefaultControlAddr = "127.0.0.1:9051"
	DefaultIPCheckURL  = "http://httpbin.org/ip"
	DefaultSettleWait  = 10 * time.Second
)

// TorController drives a Tor daemon through its control port.
type TorController struct {
	Addr     string
	Password string
	// SettleWait is how long to wait after NEWNYM for the new circuit.
	SettleWait  time.Duration
	DialTimeout time.Duration
}

func NewTorController(addr, password string, settle time.Duration) *TorController {
	return &TorController{
		Addr:        addr,
		Password:    password,
		SettleWait:  settle,
		DialTimeout: 5 * time.Second,
	}
}

func (c *TorController) session(ctx context.Context, fn func(*textproto.Conn) error) error {
	d := net.Dialer{Timeout: c.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dial tor control %s: %w", c.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	} else {
		_ = raw.SetDeadline(time.Now().Add(30 * time.Second))
	}

	conn := textproto.NewConn(raw)
	defer func() { _ = conn.Close() }()

	if err := command(conn, "AUTHENTICATE %s", quote(c.Password)); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := fn(conn); err != nil {
		return err
	}
	_ = command(conn, "QUIT")
	return nil
}

func command(conn *textproto.Conn, format string, args ...any) error {
	id, err := conn.Cmd(format, args...)
	if err != nil {
		return err
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)

	_, _, err = conn.ReadResponse(250)
	return err
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

// Ping authenticates against the control port and disconnects.
func (c *TorController) Ping(ctx context.Context) error {
	return c.session(ctx, func(*textproto.Conn) error { return nil })
}

// Rotate sends SIGNAL NEWNYM and waits for the circuit to settle.
func (c *TorController) Rotate(ctx context.Context) error {
	if err := c.RequestNewIdentity(ctx); err != nil {
		return err
	}
	return c.Settle(ctx)
}

// RequestNewIdentity sends SIGNAL NEWNYM and returns once Tor acknowledges it.
func (c *TorController) RequestNewIdentity(ctx context.Context) error {
	err := c.session(ctx, func(conn *textproto.Conn) error {
		return command(conn, "SIGNAL NEWNYM")
	})
	if err != nil {
		return fmt.Errorf("new tor identity: %w", err)
	}

	log.WithFields(log.Fields{
		"event": "identity_rotated",
	}).Debug("requested new tor identity")
	return nil
}

// Settle waits for circuits built after NEWNYM to come up.
func (c *TorController) Settle(ctx context.Context) error {
	return retry.Sleep(ctx, c.SettleWait)
}

// NewSOCKSClient returns an HTTP client whose connections go through the SOCKS5 proxy at addr.
func NewSOCKSClient(addr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, address string) (net.Conn, error) {
		return dialer.Dial(network, address)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		dialContext = cd.DialContext
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialContext,
			DisableKeepAlives:   true,
			TLSHandshakeTimeout: timeout,
		},
	}, nil
}

// IPChecker reports the exit IP as seen by an echo service returning {"origin": "..."}.
type IPChecker struct {
	client *http.Client
	url    string
}

func NewIPChecker(client *http.Client, url string) *IPChecker {
	if url == "" {
		url = DefaultIPCheckURL
	}
	return &IPChecker{client: client, url: url}
}

func (c *IPChecker) CurrentIdentity(ctx context.Context) string {
	ip, err := c.lookup(ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "identity_lookup_failed",
		}).Warn(err)
		return Unknown
	}
	return ip
}

func (c *IPChecker) lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip check: status %d", resp.StatusCode)
	}

	var body struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("ip check: %w", err)
	}
	// httpbin may report "client, proxy"; the first hop is the exit.
	origin, _, _ := strings.Cut(body.Origin, ",")
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", errors.New("ip check: empty origin")
	}
	return origin, nil
}

// Tor combines the control-port rotator with an exit-IP checker.
type Tor struct {
	*TorController
	*IPChecker
}

func NewTor(controller *TorController, checker *IPChecker) *Tor {
	return &Tor{TorController: controller, IPChecker: checker}
}
