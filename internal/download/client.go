// Package download implements resumable HTTP transfers of update packages.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"otaupdater/internal/httputil"
	"otaupdater/internal/logging"
	"otaupdater/internal/progress"
	"otaupdater/internal/version"
)

const (
	bufferSize   = 32 * 1024
	speedWindow  = 500 * time.Millisecond
	errorBodyMax = 512
)

// Callback receives the outcome of a transfer. Exactly one of OnSuccess and
// OnFailure is called per Start or Resume, after at most one OnResponse.
type Callback interface {
	OnResponse(headers http.Header)
	OnSuccess()
	OnFailure(cancelled bool)
}

// ProgressFunc is called after every chunk written. contentLength is the
// full size of the file, or -1 when the server did not announce it.
type ProgressFunc func(bytesRead, contentLength, speed int64, eta time.Duration)

// Options configures a Client.
type Options struct {
	URL         string
	Destination string
	Callback    Callback
	Progress    ProgressFunc
	HTTPClient  *http.Client
	Retry       httputil.RetryConfig
}

// Client is one download session bound to a single destination file.
type Client struct {
	id   string
	opts Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// New validates opts and builds a session. It does not touch the network.
func New(opts Options) (*Client, error) {
	if opts.Callback == nil {
		return nil, errors.New("download callback is required")
	}
	if opts.Destination == "" {
		return nil, errors.New("download destination is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid download url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported download url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("download url %q has no host", opts.URL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Client{
		id:   uuid.NewString(),
		opts: opts,
	}, nil
}

// ID identifies the session in logs.
func (c *Client) ID() string {
	return c.id
}

// Start downloads the file from scratch, truncating any existing content.
func (c *Client) Start() {
	c.run(false)
}

// Resume continues from the current size of the destination file.
func (c *Client) Resume() {
	c.run(true)
}

// Cancel aborts a running transfer. The callback sees OnFailure(true).
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until the current transfer, if any, has reported its outcome.
func (c *Client) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Client) run(resume bool) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		logging.Warning("Download %s already running", c.id)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.transfer(ctx, resume)
		cancelled := ctx.Err() != nil

		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()

		switch {
		case err == nil:
			logging.Info("Download %s finished: %s", c.id, c.opts.Destination)
			c.opts.Callback.OnSuccess()
		case cancelled:
			logging.Info("Download %s cancelled", c.id)
			c.opts.Callback.OnFailure(true)
		default:
			logging.Warning("Download %s failed: %v", c.id, err)
			c.opts.Callback.OnFailure(false)
		}
	}()
}

func (c *Client) transfer(ctx context.Context, resume bool) error {
	var offset int64
	if resume {
		if info, err := os.Stat(c.opts.Destination); err == nil {
			offset = info.Size()
		}
	}

	resp, err := httputil.Do(ctx, c.opts.HTTPClient, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		return req, nil
	}, c.opts.Retry)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", c.opts.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// The server ignored the range; start over.
		offset = 0
	case http.StatusPartialContent:
		start, ok := contentRangeStart(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return fmt.Errorf("server resumed at %q, expected offset %d", resp.Header.Get("Content-Range"), offset)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			// Nothing left to fetch.
			c.opts.Callback.OnResponse(resp.Header)
			return nil
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyMax))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	c.opts.Callback.OnResponse(resp.Header)

	total := int64(-1)
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	if err := os.MkdirAll(filepath.Dir(c.opts.Destination), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(c.opts.Destination, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}

	written, err := c.copy(ctx, file, resp.Body, offset, total)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close destination: %w", closeErr)
	}
	if err != nil {
		return err
	}
	if total > 0 && written < total {
		return fmt.Errorf("transfer ended at %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
	}
	return nil
}

func (c *Client) copy(ctx context.Context, dst *os.File, src io.Reader, offset, total int64) (int64, error) {
	rate := progress.NewRate(speedWindow)
	buf := make([]byte, bufferSize)
	bytesRead := offset

	for {
		if err := ctx.Err(); err != nil {
			return bytesRead, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return bytesRead, fmt.Errorf("failed to write destination: %w", err)
			}
			bytesRead += int64(n)
			if c.opts.Progress != nil {
				speed, eta := rate.Observe(bytesRead, total)
				c.opts.Progress(bytesRead, total, speed, eta)
			}
		}
		if readErr == io.EOF {
			if err := dst.Sync(); err != nil {
				return bytesRead, fmt.Errorf("failed to sync destination: %w", err)
			}
			return bytesRead, nil
		}
		if readErr != nil {
			return bytesRead, fmt.Errorf("failed to read response: %w", readErr)
		}
	}
}

// contentRangeStart parses the first byte position of "bytes 100-199/200".
func contentRangeStart(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	startStr, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
