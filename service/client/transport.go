package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
)

// ErrUnexpectedStatus is returned for non-200 sync endpoint replies.
var ErrUnexpectedStatus = errors.New("unexpected response status")

type (
	// Transport performs a single sync exchange.
	Transport interface {
		Exchange(ctx context.Context, req *model.Request) (*model.Response, error)
	}

	// HTTPTransport posts sync exchanges to the sync endpoint.
	HTTPTransport struct {
		url            string
		requestTimeout time.Duration
		client         *retryablehttp.Client
		logger         *zap.Logger
	}

	// HTTPTransportOpt configures an HTTPTransport.
	HTTPTransportOpt func(t *HTTPTransport)

	// retryableHTTPLogger makes zap.Logger compatible with the retryablehttp.LeveledLogger interface.
	retryableHTTPLogger struct {
		inner *zap.Logger
	}
)

func (r retryableHTTPLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r retryableHTTPLogger) Info(format string, args ...any) {
	r.inner.Sugar().Infow(format, args...)
}

func (r retryableHTTPLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}

func (r retryableHTTPLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger *zap.Logger) HTTPTransportOpt {
	return func(t *HTTPTransport) {
		t.logger = logger
		t.client.Logger = &retryableHTTPLogger{inner: logger}
	}
}

// WithRetries sets the number of transport level retries.
// The sync engine owns its backoff, so only one-shot callers should enable them.
func WithRetries(retryMax int, waitMin, waitMax time.Duration) HTTPTransportOpt {
	return func(t *HTTPTransport) {
		t.client.RetryMax = retryMax
		t.client.RetryWaitMin = waitMin
		t.client.RetryWaitMax = waitMax
	}
}

// WithRequestTimeout limits non long-poll exchanges duration (0: no limit).
// Long-poll exchanges are only bound by the caller context.
func WithRequestTimeout(timeout time.Duration) HTTPTransportOpt {
	return func(t *HTTPTransport) {
		t.requestTimeout = timeout
	}
}

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(client *http.Client) HTTPTransportOpt {
	return func(t *HTTPTransport) {
		t.client.HTTPClient = client
	}
}

// Exchange implements the Transport interface.
func (t *HTTPTransport) Exchange(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		req = &model.Request{}
	}

	if !req.Wait && t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer httpRes.Body.Close()

	data, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpRes.StatusCode != http.StatusOK {
		t.logger.Debug("sync request failed",
			zap.String("status", httpRes.Status),
			zap.ByteString("body", bytes.TrimSpace(data)),
		)
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, httpRes.Status)
	}

	res := &model.Response{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return res, nil
}

// NewHTTPTransport creates a new HTTPTransport object (no transport level retries by default).
func NewHTTPTransport(url string, opts ...HTTPTransportOpt) (*HTTPTransport, error) {
	if url == "" {
		return nil, fmt.Errorf("%s: empty", "url")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil

	t := &HTTPTransport{
		url:    url,
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}
