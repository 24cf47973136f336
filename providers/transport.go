package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgersync/logger"
	"ledgersync/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 32 << 20

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is JSON-encoded when non-nil.
	Body any
	// Op names the call for errors and metrics, e.g. "history".
	Op string
}

// Transport executes provider HTTP calls with a per-call timeout, bounded
// exponential backoff on retryable failures and a circuit breaker.
type Transport struct {
	provider string
	baseURL  string
	client   *http.Client
	opts     Options
	breaker  *gobreaker.CircuitBreaker[[]byte]
}

func NewTransport(provider, baseURL string, opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %s base url: %v", ErrConfig, provider, err)
	}

	client := opts.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.ProxyURL != "" {
			proxy, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("%w: proxy url: %v", ErrConfig, err)
			}
			tr.Proxy = http.ProxyURL(proxy)
		}
		client = &http.Client{Transport: tr}
	}

	log := logger.Component("provider")
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejection is the provider answering; it says nothing about availability.
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejected(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).
				Msg("[CIRCUIT BREAKER] State transition")
		},
	})

	return &Transport{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		opts:     opts,
		breaker:  breaker,
	}, nil
}

func (t *Transport) Do(ctx context.Context, req Request) ([]byte, error) {
	body, err := t.breaker.Execute(func() ([]byte, error) {
		return t.doWithRetry(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &Error{Provider: t.provider, Op: req.Op, Kind: KindTransport, Err: err}
	}

	result := "ok"
	switch {
	case err == nil:
	case IsRejected(err):
		result = "rejected"
	default:
		result = "failed"
	}
	metrics.ProviderRequests.WithLabelValues(t.provider, result).Inc()

	return body, err
}

// DoJSON performs the call and decodes the body into out.
func (t *Transport) DoJSON(ctx context.Context, req Request, out any) ([]byte, error) {
	body, err := t.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return body, DecodeError(t.provider, req.Op, err)
	}
	return body, nil
}

func (t *Transport) doWithRetry(ctx context.Context, req Request) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = t.opts.MaxDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.opts.MaxRetries)), ctx)

	var body []byte
	op := func() error {
		var err error
		body, err = t.once(ctx, req)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("provider", t.provider).Str("op", req.Op).Dur("retry_in", wait).
			Msg("[Provider] retrying request")
	})
	if err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			err = &Error{Provider: t.provider, Op: req.Op, Kind: KindTransport, Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (t *Transport) once(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	target := t.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var payload io.Reader = http.NoBody
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Provider: t.provider, Op: req.Op, Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
		}
		payload = bytes.NewReader(raw)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, &Error{Provider: t.provider, Op: req.Op, Kind: KindRejected, Err: err}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json, text/plain")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: t.provider, Op: req.Op, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Provider: t.provider, Op: req.Op, Kind: KindTransport, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Provider: t.provider, Op: req.Op, Kind: KindTransport, Status: resp.StatusCode, Err: errors.New(snippet(body))}
	case resp.StatusCode >= 400:
		return nil, &Error{Provider: t.provider, Op: req.Op, Kind: KindRejected, Status: resp.StatusCode, Err: errors.New(snippet(body))}
	}

	return body, nil
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
