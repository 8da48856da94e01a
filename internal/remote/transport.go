package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/schema"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Option configures a Client or APIClient.
type Option func(*transport)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *transport) {
		if hc != nil {
			t.http = hc
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *log.Logger) Option {
	return func(t *transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *transport) {
		t.userAgent = ua
	}
}

type transport struct {
	http      *http.Client
	logger    *log.Logger
	userAgent string
}

func newTransport(prefix string, opts []Option) transport {
	t := transport{
		http:      &http.Client{Timeout: DefaultTimeout},
		logger:    logging.Default(prefix),
		userAgent: "graphnote/" + ProtocolVersion,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// do sends body (if non-nil) as JSON and decodes a 2xx response into out.
// Non-2xx responses are mapped onto the schema sentinel errors.
func (t *transport) do(ctx context.Context, method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", schema.ErrInvalidArgument, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", schema.ErrNetwork, method, url, err)
	}
	defer resp.Body.Close()

	t.logger.Debug("request", "method", method, "url", url, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response from %s: %v", schema.ErrNetwork, url, err)
	}
	return nil
}

// statusError converts a non-2xx response into an error wrapping the
// matching sentinel. The server's error envelope is used when present.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var env APIResponse
	apiErr := &APIError{Message: http.StatusText(resp.StatusCode)}
	if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
		apiErr = env.Error
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		sentinel = schema.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		sentinel = schema.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		sentinel = schema.ErrNetwork
	case apiErr.Reason == ReasonPreconditionFailed:
		sentinel = schema.ErrPreconditionFailed
	default:
		sentinel = schema.ErrInvalidArgument
	}
	return &ResponseError{StatusCode: resp.StatusCode, API: *apiErr, sentinel: sentinel}
}

// ResponseError is returned for non-2xx responses. It matches the schema
// sentinel implied by the status code under errors.Is.
type ResponseError struct {
	StatusCode int
	API        APIError
	sentinel   error
}

func (e *ResponseError) Error() string {
	if e.API.Code != "" {
		return fmt.Sprintf("%v: %s (%d %s)", e.sentinel, e.API.Message, e.StatusCode, e.API.Code)
	}
	return fmt.Sprintf("%v: %s (%d)", e.sentinel, e.API.Message, e.StatusCode)
}

func (e *ResponseError) Unwrap() error {
	return e.sentinel
}

// Message returns the server-provided message of err, if it is a
// ResponseError, or err.Error() otherwise.
func Message(err error) string {
	var re *ResponseError
	if errors.As(err, &re) && re.API.Message != "" {
		return re.API.Message
	}
	return err.Error()
}
