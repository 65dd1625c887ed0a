// Package upload transmits a serialized coverage report to the remote
// analytics endpoint. The retry loop is an explicit state machine driven
// by a backoff schedule and an injectable timer, so cancellation and
// timing compose without real wall-clock waits in tests.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-coverage/report"
	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// Retry policy defaults. The elapsed budget bounds total wall-clock time
// across all attempts.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMaxElapsedTime  = 5 * time.Minute
	DefaultRequestTimeout  = 30 * time.Second
)

// state tracks where the retry machine is.
type state int

const (
	statePending state = iota
	stateAttempting
	stateBackoff
	stateSucceeded
	stateFailed
	stateCancelled
)

// Timer abstracts the backoff wait so tests can fire it immediately.
type Timer interface {
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type systemTimer struct{}

func (systemTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Config describes the endpoint and retry policy.
type Config struct {
	Endpoint string // upload URL
	Token    string // bearer token; treated as a secret, never logged
	RunID    string // stable run identifier for remote deduplication
	Branch   string // optional branch metadata
	Commit   string // optional commit metadata

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	RequestTimeout  time.Duration

	Client *http.Client
	Timer  Timer
	Log    log.Logger
}

// Result is the outcome of a transmission.
type Result struct {
	Success    bool
	StatusCode int // last HTTP status observed, 0 if no response was received
	Attempts   int
	Err        error
}

// Client uploads reports with retry and backoff.
type Client struct {
	cfg   Config
	log   log.Logger
	timer Timer

	// lastRetryAfter carries a server-suggested delay from a 429 response
	// into the next backoff step.
	lastRetryAfter time.Duration
}

// NewClient creates an upload client, applying policy defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run ID is required for idempotent uploads")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = DefaultMaxElapsedTime
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Client == nil {
		// Fresh connection per attempt: a half-dead pooled connection must
		// not poison every retry.
		cfg.Client = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
	}
	if cfg.Timer == nil {
		cfg.Timer = systemTimer{}
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Client{cfg: cfg, log: cfg.Log, timer: cfg.Timer}, nil
}

// Upload transmits the report, retrying transient failures with
// exponential backoff. It returns a Result in every case; Result.Err is a
// typed UploadFailedError on terminal failure and ErrCancelled when the
// pipeline-wide cancellation signal fired.
func (c *Client) Upload(ctx context.Context, rep *report.Report) Result {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval
	policy.MaxElapsedTime = c.cfg.MaxElapsedTime
	policy.Reset()

	res := Result{}
	st := statePending

	for {
		switch st {
		case statePending, stateAttempting:
			if ctx.Err() != nil {
				st = stateCancelled
				continue
			}

			res.Attempts++
			status, err := c.attempt(ctx, rep)
			if status != 0 {
				res.StatusCode = status
			}

			switch {
			case err == nil && status >= 200 && status < 300:
				st = stateSucceeded
			case ctx.Err() != nil:
				st = stateCancelled
			case !retryable(status, err):
				res.Err = &types.UploadFailedError{
					Attempts:   res.Attempts,
					StatusCode: status,
					Err:        fmt.Errorf("endpoint rejected report: %w", nonNil(err, fmt.Errorf("status %d", status))),
				}
				st = stateFailed
			case res.Attempts >= c.cfg.MaxAttempts:
				res.Err = &types.UploadFailedError{
					Attempts:   res.Attempts,
					StatusCode: status,
					Err:        fmt.Errorf("retries exhausted: %w", nonNil(err, fmt.Errorf("status %d", status))),
				}
				st = stateFailed
			default:
				c.log.Warn("Upload attempt failed, backing off",
					"attempt", res.Attempts, "status", status, "error", err)
				st = stateBackoff
			}

		case stateBackoff:
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				res.Err = &types.UploadFailedError{
					Attempts:   res.Attempts,
					StatusCode: res.StatusCode,
					Err:        fmt.Errorf("retry budget of %s exhausted", c.cfg.MaxElapsedTime),
				}
				st = stateFailed
				continue
			}
			if serverWait := c.lastRetryAfter; serverWait > 0 {
				// 429 with Retry-After: the server knows better.
				wait = serverWait
				c.lastRetryAfter = 0
			}

			select {
			case <-c.timer.After(wait):
				st = stateAttempting
			case <-ctx.Done():
				st = stateCancelled
			}

		case stateSucceeded:
			res.Success = true
			c.log.Info("Report uploaded", "attempts", res.Attempts, "status", res.StatusCode)
			return res

		case stateFailed:
			c.log.Error("Report upload failed", "attempts", res.Attempts,
				"status", res.StatusCode, "error", res.Err)
			return res

		case stateCancelled:
			res.Err = types.ErrCancelled
			c.log.Warn("Report upload cancelled", "attempts", res.Attempts)
			return res
		}
	}
}

// attempt performs one POST with a fresh request body.
func (c *Client) attempt(ctx context.Context, rep *report.Report) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("run_id", c.cfg.RunID)
	if c.cfg.Branch != "" {
		q.Set("branch", c.cfg.Branch)
	}
	if c.cfg.Commit != "" {
		q.Set("commit", c.cfg.Commit)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), bytes.NewReader(rep.Body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType(rep.Schema))
	req.Header.Set("X-Run-ID", c.cfg.RunID)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.lastRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return resp.StatusCode, nil
}

// retryable reports whether the attempt outcome warrants another try:
// transport errors and 5xx are transient, 4xx is a hard rejection except
// for 429.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func contentType(schema string) string {
	if schema == report.SchemaCobertura {
		return "text/xml"
	}
	return "text/plain"
}

func nonNil(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
