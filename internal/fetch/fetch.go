// Package fetch retrieves the update descriptor from the update server.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"otaupdater/internal/cache"
	"otaupdater/internal/httputil"
	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/telemetry"
	"otaupdater/internal/version"
)

// ErrNoUpdate is returned when the server answers with a non-2xx status.
var ErrNoUpdate = errors.New("no update available")

const maxDescriptorSize = 1 << 20

// Descriptor is the update advertised by the server.
type Descriptor struct {
	CurrentDownloadURL string           `json:"current_download_url"`
	ChangelogURL       string           `json:"changelog_url"`
	OriginalFilename   string           `json:"original_filename"`
	Type               model.UpdateType `json:"type"`
	SizeBytes          int64            `json:"size_bytes"`
	Wipe               bool             `json:"wipe"`
	Downgrade          bool             `json:"downgrade"`

	// Raw is the body as received, kept for the preference store.
	Raw []byte `json:"-"`
}

// ToUpdateInfo maps the descriptor to an update. The original file name is
// both the name and the download id.
func (d *Descriptor) ToUpdateInfo() model.UpdateInfo {
	return model.UpdateInfo{
		DownloadID:   d.OriginalFilename,
		Name:         d.OriginalFilename,
		DownloadURL:  d.CurrentDownloadURL,
		ChangelogURL: d.ChangelogURL,
		Type:         d.Type,
		FileSize:     d.SizeBytes,
	}
}

// Parse decodes a descriptor body.
func Parse(body []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to decode update descriptor: %w", err)
	}
	if d.OriginalFilename == "" || d.CurrentDownloadURL == "" {
		return nil, fmt.Errorf("update descriptor is missing the file name or download URL")
	}
	d.Raw = body
	return &d, nil
}

// Options configures a Client.
type Options struct {
	ServerURL  string
	HTTPClient *http.Client
	Retry      httputil.RetryConfig
	CacheTTL   time.Duration
}

// Client fetches descriptors, caching successful answers per build timestamp.
type Client struct {
	serverURL string
	http      *http.Client
	retry     httputil.RetryConfig
	cache     *cache.Cache[[]byte]
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if _, err := url.ParseRequestURI(opts.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid update server URL %q: %w", opts.ServerURL, err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		serverURL: opts.ServerURL,
		http:      httpClient,
		retry:     opts.Retry,
		cache:     cache.New[[]byte](opts.CacheTTL),
	}, nil
}

// Close releases the cache.
func (c *Client) Close() {
	c.cache.Close()
}

// Fetch asks the server for the update following the build with the given
// timestamp.
func (c *Client) Fetch(ctx context.Context, timestamp int64) (desc *Descriptor, err error) {
	ctx, span := telemetry.StartSpan(ctx, "fetch.descriptor")
	defer func() {
		if errors.Is(err, ErrNoUpdate) {
			telemetry.EndSpan(span, nil)
			return
		}
		telemetry.EndSpan(span, err)
	}()

	target, err := c.requestURL(timestamp)
	if err != nil {
		return nil, err
	}
	if body, ok := c.cache.Get(target); ok {
		logging.Debug("Using cached update descriptor for %s", target)
		return Parse(body)
	}

	resp, err := httputil.Do(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch update descriptor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: server returned %s", ErrNoUpdate, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read update descriptor: %w", err)
	}
	desc, err = Parse(body)
	if err != nil {
		return nil, err
	}
	c.cache.Set(target, body)
	return desc, nil
}

func (c *Client) requestURL(timestamp int64) (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse update server URL: %w", err)
	}
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
