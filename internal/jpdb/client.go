package jpdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jpdbq/internal/queue"
	logx "jpdbq/pkg/logx"
)

const (
	DefaultBaseURL     = "https://jpdb.io"
	DefaultAPIDelay    = 200 * time.Millisecond
	DefaultScrapeDelay = 1100 * time.Millisecond

	maxErrorBody = 64 << 10
)

type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	// MaxRPS caps request rate on top of the queue's pacing. Zero disables it.
	MaxRPS float64

	APIDelay    time.Duration
	ScrapeDelay time.Duration
}

// Client submits every call as a job on q and waits for its result.
type Client struct {
	q    *queue.Queue
	http *http.Client
	log  logx.Logger

	baseURL   string
	token     string
	userAgent string
	limiter   *rate.Limiter

	apiDelay    atomic.Int64
	scrapeDelay atomic.Int64
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client built from Config.Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func New(q *queue.Queue, cfg Config, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		q:         q,
		http:      &http.Client{Timeout: timeout},
		log:       logx.Nop(),
		baseURL:   base,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: cfg.UserAgent,
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	apiDelay, scrapeDelay := cfg.APIDelay, cfg.ScrapeDelay
	if apiDelay <= 0 {
		apiDelay = DefaultAPIDelay
	}
	if scrapeDelay <= 0 {
		scrapeDelay = DefaultScrapeDelay
	}
	c.SetDelays(apiDelay, scrapeDelay)
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetDelays changes the pause reported after API and scrape jobs. It affects
// jobs that finish after the call. Negative values mean zero.
func (c *Client) SetDelays(api, scrape time.Duration) {
	c.apiDelay.Store(int64(max(api, 0)))
	c.scrapeDelay.Store(int64(max(scrape, 0)))
}

func (c *Client) Delays() (api, scrape time.Duration) {
	return time.Duration(c.apiDelay.Load()), time.Duration(c.scrapeDelay.Load())
}

// call runs an API request as a queue job named name and decodes the
// response into a T.
func call[T any](ctx context.Context, c *Client, name, path string, body any, decode func([]byte) (T, error)) (T, error) {
	return queue.Do(ctx, c.q, name, func(jobCtx context.Context) (T, time.Duration, error) {
		var zero T
		raw, err := c.post(jobCtx, path, body)
		if err != nil {
			return zero, 0, err
		}
		out, err := decode(raw)
		if err != nil {
			return zero, 0, fmt.Errorf("jpdb: %s: decode: %w", path, err)
		}
		api, _ := c.Delays()
		return out, api, nil
	})
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("jpdb: rate limit: %w", err)
		}
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("jpdb: %s: encode: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("jpdb: %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jpdb: %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jpdb: %s: read body: %w", path, err)
	}
	c.log.Debug("jpdb request",
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp.StatusCode, path, raw)
	}
	return raw, nil
}

func apiError(status int, path string, raw []byte) error {
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	var body struct {
		ErrorMessage string `json:"error_message"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		msg = body.ErrorMessage
	} else {
		msg = strings.TrimSpace(string(raw))
	}
	return &APIError{Status: status, Path: path, Message: msg}
}

// IsAPIError reports whether err is an APIError with the given status.
// A zero status matches any APIError.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return status == 0 || apiErr.Status == status
}
