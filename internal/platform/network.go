package platform

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Reachability checks connectivity by opening a TCP connection to the update
// server.
type Reachability struct {
	addr    string
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewReachability derives the address to probe from the update server URL.
func NewReachability(serverURL string, timeout time.Duration) (*Reachability, error) {
	addr, err := hostPort(serverURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &net.Dialer{}
	return &Reachability{addr: addr, timeout: timeout, dial: d.DialContext}, nil
}

// IsOnline reports whether the server accepts connections.
func (r *Reachability) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.dial(ctx, "tcp", r.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("server URL %q has no host", rawURL)
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	switch u.Scheme {
	case "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "443"), nil
	}
}
