// Package perpusapi предоставляет клиент REST API библиотеки perpus.
package perpusapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/perpus-gateway/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultTimeout = 5 * time.Second

	maxBodySize = 8 << 20
)

var (
	// ErrUnauthorized возвращается, если API отклонил токен (401).
	ErrUnauthorized = errors.New("perpus api: unauthorized")
	// ErrForbidden возвращается, если токену не хватает прав (403).
	ErrForbidden = errors.New("perpus api: forbidden")
	// ErrNotFound возвращается, если запись не найдена (404).
	ErrNotFound = errors.New("perpus api: not found")
	// ErrNotConfigured возвращается при пустом адресе API.
	ErrNotConfigured = errors.New("perpus api client not configured")
)

// StatusError описывает ответ API с неожиданным кодом.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("perpus api: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("perpus api: status %d: %s", e.Code, e.Message)
}

var defaultRetryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// Client инкапсулирует HTTP-взаимодействие с API библиотеки.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	token       string
	logger      *zap.Logger
	retryDelays []time.Duration
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient задаёт HTTP-клиент.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit ограничивает число запросов в секунду. Ноль снимает ограничение.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
	}
}

// WithFallbackToken задаёт сервисный токен, который используется, если в контексте токена нет.
func WithFallbackToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger задаёт логгер.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryDelays задаёт паузы между повторами GET-запросов.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(c *Client) { c.retryDelays = delays }
}

// NewClient создаёт клиент API по указанному адресу, например http://perpus-api.mamorasoft.com/api.
func NewClient(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	c := &Client{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		limiter:     rate.NewLimiter(rate.Inf, 1),
		logger:      zap.NewNop(),
		retryDelays: defaultRetryDelays,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method      string
	path        string
	query       url.Values
	payload     []byte
	contentType string
	// noRetry запрещает повторы для GET-запросов, которые меняют состояние.
	noRetry bool
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: query})
}

func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, request{method: http.MethodPost, path: path, payload: payload, contentType: "application/json"})
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        path,
		payload:     []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
	})
}

// do выполняет запрос. GET-запросы без noRetry повторяются при 429 и сетевых ошибках.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	attempts := 1
	if req.method == http.MethodGet && !req.noRetry {
		attempts += len(c.retryDelays)
	}

	var err error
	for i := 0; i < attempts; i++ {
		var (
			body       []byte
			retryAfter time.Duration
		)
		body, retryAfter, err = c.send(ctx, req)
		if err == nil {
			return body, nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if i == attempts-1 || !isRetryable(err) {
			break
		}

		delay := c.retryDelays[i]
		if retryAfter > 0 {
			delay = retryAfter
		}
		metrics.UpstreamRetries.Inc()
		c.logger.Warn("retrying perpus api request",
			zap.String("path", req.path),
			zap.Int("attempt", i+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, err
}

func (c *Client) send(ctx context.Context, req request) ([]byte, time.Duration, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit: %w", err)
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.payload != nil {
		body = bytes.NewReader(req.payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if token := c.tokenFor(ctx); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(req.method, "error").Inc()
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequests.WithLabelValues(req.method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, 0, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, withMessage(ErrUnauthorized, data)
	case resp.StatusCode == http.StatusForbidden:
		return nil, 0, withMessage(ErrForbidden, data)
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, withMessage(ErrNotFound, data)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	default:
		return nil, 0, &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}
}

func (c *Client) tokenFor(ctx context.Context) string {
	if token, ok := TokenFromContext(ctx); ok {
		return token
	}
	return c.token
}

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func withMessage(sentinel error, body []byte) error {
	if msg := errorMessage(body); msg != "" {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	return sentinel
}

// errorMessage достаёт поле message (или error) из тела ответа с ошибкой.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
