package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-coverage/report"
	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// fakeTimer fires instantly and records requested waits. With block set it
// never fires, standing in for an arbitrarily long backoff.
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	block bool
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if !f.block {
		ch <- time.Time{}
	}
	return ch
}

func (f *fakeTimer) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

func testReport() *report.Report {
	return &report.Report{Schema: report.SchemaCobertura, Body: []byte("<coverage/>")}
}

func newTestClient(t *testing.T, endpoint string, timer Timer, maxAttempts int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:    endpoint,
		Token:       "secret-token",
		RunID:       "run-123",
		Branch:      "main",
		Commit:      "abcdef0",
		MaxAttempts: maxAttempts,
		Timer:       timer,
	})
	require.NoError(t, err)
	return c
}

func TestUploadSucceedsFirstAttempt(t *testing.T) {
	var gotAuth, gotRunID, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRunID = r.Header.Get("X-Run-ID")
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTimer{}, 3)
	res := c.Upload(context.Background(), testReport())

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "run-123", gotRunID)
	assert.Contains(t, gotQuery, "run_id=run-123")
	assert.Contains(t, gotQuery, "branch=main")
	assert.Contains(t, gotQuery, "commit=abcdef0")
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTimer{}, 3)
	res := c.Upload(context.Background(), testReport())

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestUploadExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTimer{}, 3)
	res := c.Upload(context.Background(), testReport())

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, types.IsUploadFailed(res.Err))
}

func TestUploadDoesNotRetryHardRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTimer{}, 5)
	res := c.Upload(context.Background(), testReport())

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts, "4xx must not be retried")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.True(t, types.IsUploadFailed(res.Err))
}

func TestUploadHonorsRetryAfterOn429(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	timer := &fakeTimer{}
	c := newTestClient(t, srv.URL, timer, 3)
	res := c.Upload(context.Background(), testReport())

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	waits := timer.recorded()
	require.Len(t, waits, 1)
	assert.Equal(t, 7*time.Second, waits[0], "server-suggested backoff wins")
}

func TestUploadCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	timer := &fakeTimer{block: true}
	c := newTestClient(t, srv.URL, timer, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := c.Upload(ctx, testReport())

	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must not wait out the backoff")
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, types.ErrCancelled)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{RunID: "run-1"})
	require.Error(t, err, "endpoint is required")

	_, err = NewClient(Config{Endpoint: "https://cov.example.com/upload"})
	require.Error(t, err, "run ID is required")
}
