package queue

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/tracing"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	AgentID string
	Token   string

	// RetryDelay is the fixed wait between attempts after a transport
	// failure.
	RetryDelay time.Duration

	// RequestTimeout bounds a single attempt. Long polls should fit in it.
	RequestTimeout time.Duration

	TLSInsecureSkipVerify bool
}

// HTTPClient implements Client over HTTP/JSON.
type HTTPClient struct {
	cfg    HTTPConfig
	base   *url.URL
	http   *http.Client
	logger zerolog.Logger
}

// NewHTTPClient creates a queue client.
func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid queue URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid queue URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Minute
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPClient{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Transport: tracing.RoundTripper(transport),
			Timeout:   cfg.RequestTimeout,
		},
		logger: logger.With().Str("component", "queue-client").Logger(),
	}, nil
}

// PollJob implements Client.
func (c *HTTPClient) PollJob(ctx context.Context) (*job.Request, error) {
	var req *job.Request
	err := c.retrying(ctx, "poll job", func(ctx context.Context) error {
		resp, err := c.do(ctx, "poll job", http.MethodPost, c.agentPath("jobs/poll"), nil, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNoContent {
			req = nil
			return nil
		}
		var r job.Request
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return fmt.Errorf("failed to decode job: %w", err)
		}
		if r.ID == "" {
			return errors.New("queue returned a job without an id")
		}
		req = &r
		return nil
	})
	return req, err
}

// UpdateStatus implements Client.
func (c *HTTPClient) UpdateStatus(ctx context.Context, jobID string, status job.Status) error {
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return err
	}
	return c.retrying(ctx, "update status", func(ctx context.Context) error {
		return c.send(ctx, "update status", http.MethodPost, c.jobPath(jobID, "status"), bytes.NewReader(body), "application/json")
	})
}

// AppendLog implements Client. It makes a single attempt.
func (c *HTTPClient) AppendLog(ctx context.Context, jobID string, data []byte) error {
	return c.send(ctx, "append log", http.MethodPost, c.jobPath(jobID, "log"), bytes.NewReader(data), "application/octet-stream")
}

// UploadAttachments implements Client. archive is rewound before each
// attempt when it is seekable and buffered in memory otherwise.
func (c *HTTPClient) UploadAttachments(ctx context.Context, jobID string, archive io.Reader, size int64) error {
	seeker, ok := archive.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(archive)
		if err != nil {
			return fmt.Errorf("failed to read attachments: %w", err)
		}
		seeker = bytes.NewReader(data)
		size = int64(len(data))
	}

	return c.retrying(ctx, "upload attachments", func(ctx context.Context) error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		body := io.Reader(seeker)
		if size >= 0 {
			body = io.LimitReader(seeker, size)
		}
		return c.send(ctx, "upload attachments", http.MethodPost, c.jobPath(jobID, "attachments"), body, "application/zip")
	})
}

// DownloadState implements Client.
func (c *HTTPClient) DownloadState(ctx context.Context, jobID string, w io.Writer) error {
	var buf bytes.Buffer
	err := c.retrying(ctx, "download state", func(ctx context.Context) error {
		buf.Reset()
		resp, err := c.do(ctx, "download state", http.MethodGet, c.jobPath(jobID, "state"), nil, "")
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
				return ErrNoState
			}
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNoContent {
			return ErrNoState
		}
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			return &TransportError{Op: "download state", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = buf.WriteTo(w)
	return err
}

// PollCommand implements Client.
func (c *HTTPClient) PollCommand(ctx context.Context) (*Command, error) {
	var cmd *Command
	err := c.retrying(ctx, "poll command", func(ctx context.Context) error {
		resp, err := c.do(ctx, "poll command", http.MethodPost, c.agentPath("commands/poll"), nil, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNoContent {
			cmd = nil
			return nil
		}
		var v Command
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return fmt.Errorf("failed to decode command: %w", err)
		}
		cmd = &v
		return nil
	})
	return cmd, err
}

// SetMaintenanceMode implements Client.
func (c *HTTPClient) SetMaintenanceMode(ctx context.Context) error {
	return c.retrying(ctx, "maintenance mode", func(ctx context.Context) error {
		return c.send(ctx, "maintenance mode", http.MethodPost, c.agentPath("maintenance-mode"), nil, "")
	})
}

// retrying runs fn until it succeeds, fails with a non-transport error or
// ctx is done. Transport failures are retried without limit.
func (c *HTTPClient) retrying(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, retry.NewConstant(c.cfg.RetryDelay), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		var te *TransportError
		if errors.As(err, &te) {
			c.logger.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("retry_in", c.cfg.RetryDelay).
				Msg("Queue unavailable, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) send(ctx context.Context, op, method, path string, body io.Reader, contentType string) error {
	resp, err := c.do(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// do performs one request. Non-2xx responses are closed and converted to
// TransportError or StatusError.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func (c *HTTPClient) agentPath(suffix string) string {
	return "/api/v1/agents/" + url.PathEscape(c.cfg.AgentID) + "/" + suffix
}

func (c *HTTPClient) jobPath(jobID, suffix string) string {
	return "/api/v1/jobs/" + url.PathEscape(jobID) + "/" + suffix
}
