package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gobreaker "github.com/sony/gobreaker/v2"
)

func fastOptions(retries int) Options {
	return Options{
		Timeout:    time.Second,
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}
}

func TestTransportRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr, err := NewTransport("retry", srv.URL, fastOptions(3))
	require.NoError(t, err)

	var out struct {
		OK bool `json:"ok"`
	}
	_, err = tr.DoJSON(context.Background(), Request{Path: "/x", Op: "test"}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransportGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, err := NewTransport("exhaust", srv.URL, fastOptions(2))
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Path: "/x", Op: "test"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransportDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("bad signature"))
	}))
	defer srv.Close()

	tr, err := NewTransport("reject", srv.URL, fastOptions(3))
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Path: "/x", Op: "test"})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "bad signature")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransportSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr, err := NewTransport("body", srv.URL+"/", fastOptions(0))
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/x",
		Query:  map[string][]string{"limit": {"5"}},
		Header: http.Header{"X-Api-Key": {"abc"}},
		Body:   map[string]int{"n": 1},
		Op:     "test",
	})
	require.NoError(t, err)
}

func TestTransportDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	tr, err := NewTransport("decode", srv.URL, fastOptions(0))
	require.NoError(t, err)

	var out map[string]any
	_, err = tr.DoJSON(context.Background(), Request{Path: "/x", Op: "test"}, &out)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindDecode, pe.Kind)
}

func TestTransportCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := NewTransport("breaker", srv.URL, fastOptions(0))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := tr.Do(context.Background(), Request{Path: "/x", Op: "test"})
		require.Error(t, err)
	}

	_, err = tr.Do(context.Background(), Request{Path: "/x", Op: "test"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(5), calls.Load())
}

func TestTransportRejectionsKeepCircuitClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr, err := NewTransport("closed", srv.URL, fastOptions(0))
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := tr.Do(context.Background(), Request{Path: "/x", Op: "test"})
		require.True(t, IsRejected(err))
	}
}

func TestNewTransportValidatesURL(t *testing.T) {
	_, err := NewTransport("bad", "not a url", Options{})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewTransport("proxy", "https://api.example.com", Options{ProxyURL: "://nope"})
	assert.ErrorIs(t, err, ErrConfig)
}
