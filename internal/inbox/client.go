package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/resilience"
	"github.com/sells-group/tddf-cli/internal/store"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// ErrDuplicate is returned when the server already ingested the file.
var ErrDuplicate = eris.New("inbox: file already ingested by server")

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	// InitialBackoff is the first retry delay. Default: 2s.
	InitialBackoff time.Duration
}

// Client talks to a `tddf serve` instance.
type Client struct {
	base    string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// UploadResult is the server's answer to an upload.
type UploadResult struct {
	Run     *store.Run      `json:"run"`
	Summary *stream.Summary `json:"summary"`
}

// NewClient creates a client for the server at opts.BaseURL.
func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Errorf("inbox: invalid server url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxAttempts
	retry.InitialBackoff = opts.InitialBackoff

	return &Client{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		http:  &http.Client{Timeout: opts.Timeout},
		retry: retry,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "tddf-server",
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
			ShouldTrip:       resilience.IsTransient,
		}),
	}, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/api/ping")
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Status returns the server's most recent runs.
func (c *Client) Status(ctx context.Context, limit int) ([]store.Run, error) {
	path := "/api/runs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var runs []store.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, eris.Wrap(err, "inbox: decode runs")
	}
	return runs, nil
}

// Upload posts the file at path under name. Transient failures are retried
// with exponential backoff; a 409 returns ErrDuplicate.
func (c *Client) Upload(ctx context.Context, name, path string) (*UploadResult, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("inbox.client", name)

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*UploadResult, error) {
		var out *UploadResult
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.upload(ctx, name, path)
			return err
		})
		return out, err
	})
}

func (c *Client) upload(ctx context.Context, name, path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "inbox: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	target := c.base + "/api/uploads?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, f)
	if err != nil {
		return nil, eris.Wrap(err, "inbox: build upload request")
	}
	if st, err := f.Stat(); err == nil {
		req.ContentLength = st.Size()
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "inbox: upload %s", name)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrDuplicate
	case resp.StatusCode != http.StatusOK:
		return nil, statusError(resp, "upload "+name)
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "inbox: decode upload response")
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("inbox.client", path)

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, eris.Wrap(err, "inbox: build request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "inbox: get %s", path)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close() //nolint:errcheck
			return nil, statusError(resp, "get "+path)
		}
		return resp, nil
	})
}

// statusError turns a non-OK response into an error, transient for statuses
// worth retrying. The server's {"error": ...} message is included when present.
func statusError(resp *http.Response, action string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	err := eris.Errorf("inbox: %s: status %d: %s", action, resp.StatusCode, msg)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.TransientResponse(err, resp)
	}
	return err
}
