package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"devspin/internal/supervisor"
	"devspin/pkg/logging"
)

// Checker probes a service once.
type Checker interface {
	CheckHealth(ctx context.Context) error
	String() string
}

// PortChecker checks that a TCP port accepts connections.
type PortChecker struct {
	Host string
	Port int
}

// NewPortChecker creates a port checker. An empty host means localhost.
func NewPortChecker(host string, port int) *PortChecker {
	if host == "" {
		host = "localhost"
	}
	return &PortChecker{Host: host, Port: port}
}

// CheckHealth dials the port.
func (p *PortChecker) CheckHealth(ctx context.Context) error {
	dialer := &net.Dialer{
		Timeout: 3 * time.Second,
	}

	address := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer conn.Close()

	logging.Debug("PortChecker", "Port %s is accepting connections", address)
	return nil
}

func (p *PortChecker) String() string {
	return "port:" + strconv.Itoa(p.Port)
}

// CommandChecker runs a shell command and expects exit code zero.
type CommandChecker struct {
	Command string
	Dir     string
	Env     []string
}

// CheckHealth runs the command. Output is discarded.
func (c *CommandChecker) CheckHealth(ctx context.Context) error {
	return supervisor.Run(ctx, c.Command, c.Dir, c.Env, io.Discard, io.Discard)
}

func (c *CommandChecker) String() string {
	return "command:" + c.Command
}

// HTTPChecker issues a GET and expects a 2xx or 3xx response.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker that does not follow redirects.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		Client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// CheckHealth performs the request.
func (h *HTTPChecker) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", h.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", h.URL, resp.StatusCode)
	}
	return nil
}

func (h *HTTPChecker) String() string {
	return "http:" + h.URL
}
