package crm

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/AngelCh415/crmsync/internal/observability"
	"github.com/AngelCh415/crmsync/internal/utils"
)

// HTTPClient is the subset of *http.Client the CRM client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func NewHTTPClient(timeout time.Duration) HTTPClient {
	return &http.Client{Timeout: timeout}
}

type Options struct {
	BaseURL           string
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64

	// Breaker opens after BreakerMinRequests requests within a minute with a
	// failure ratio of at least BreakerFailureRatio. Zero disables it.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
}

type Client struct {
	base    string
	http    HTTPClient
	tokens  *TokenCache
	backoff utils.Backoff
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     *slog.Logger
	obs     *observability.Metrics
}

func NewClient(hc HTTPClient, tokens *TokenCache, opts Options, log *slog.Logger, obs *observability.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		obs:     obs,
	}

	c.backoff = utils.NewBackoff(opts.RetryBaseDelay, opts.MaxRetries)
	c.backoff.Retryable = func(err error) bool {
		var rl *rateLimited
		return errors.As(err, &rl)
	}
	c.backoff.Override = func(err error) (time.Duration, bool) {
		var rl *rateLimited
		if errors.As(err, &rl) && rl.hasAfter {
			return rl.retryAfter, true
		}
		return 0, false
	}
	c.backoff.OnRetry = func(n int, d time.Duration, _ error) {
		c.obs.Retry()
		c.log.Warn("crm rate limited, retrying", slog.Int("retry", n), slog.Int("max_retries", opts.MaxRetries), slog.Duration("delay", d))
	}

	if opts.BreakerMinRequests > 0 {
		c.cb = newBreaker(opts, log, obs)
	}
	return c
}

func newBreaker(opts Options, log *slog.Logger, obs *observability.Metrics) *gobreaker.CircuitBreaker[[]byte] {
	timeout := opts.BreakerOpenTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "crm-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.BreakerState(to == gobreaker.StateOpen)
			log.Warn("crm circuit breaker state change", slog.String("from", from.String()), slog.String("to", to.String()))
		},
		// Client-side mistakes and auth problems say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			if err == nil || IsAuth(err) {
				return true
			}
			var ae *APIError
			if errors.As(err, &ae) {
				return ae.Status < 500 && ae.Status != http.StatusTooManyRequests
			}
			return false
		},
	})
}

// Request performs one authenticated call, retrying 429 responses per the
// backoff policy, and returns the response body.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s body", endpoint)
		}
		payload = b
	}
	call := func() ([]byte, error) { return c.requestWithRetry(ctx, method, endpoint, payload) }
	if c.cb == nil {
		return call()
	}
	out, err := c.cb.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrapf(err, "crm %s %s", method, endpoint)
	}
	return out, err
}

func (c *Client) requestWithRetry(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var out []byte
	err := c.backoff.Do(ctx, func(int) error {
		b, err := c.do(ctx, method, endpoint, payload)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	var rl *rateLimited
	if errors.As(err, &rl) {
		return nil, &APIError{Status: http.StatusTooManyRequests, Body: rl.body}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var rdr io.Reader = http.NoBody
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.obs.Request("transport_error")
		return nil, &TransportError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()
	c.obs.Request(strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusTooManyRequests {
			d, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, &rateLimited{body: string(b), retryAfter: d, hasAfter: ok}
		}
		return nil, statusError(resp.StatusCode, b)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read " + endpoint, Err: err}
	}
	return b, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

type page struct {
	Results    []json.RawMessage `json:"results"`
	NextCursor string            `json:"nextCursor"`
}

// FetchAllPages follows nextCursor until it is absent and concatenates the
// results. With a nil body builder the endpoint is read with GET and the
// cursor travels as a query parameter; otherwise each page is a POST of
// body(cursor).
func (c *Client) FetchAllPages(ctx context.Context, endpoint string, body func(cursor string) any) ([]json.RawMessage, error) {
	var out []json.RawMessage
	cursor := ""
	for {
		var raw []byte
		var err error
		if body == nil {
			raw, err = c.Request(ctx, http.MethodGet, withCursor(endpoint, cursor), nil)
		} else {
			raw, err = c.Request(ctx, http.MethodPost, endpoint, body(cursor))
		}
		if err != nil {
			return nil, err
		}
		var p page
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrapf(err, "decode page from %s", endpoint)
		}
		out = append(out, p.Results...)
		if p.NextCursor == "" || p.NextCursor == cursor {
			return out, nil
		}
		cursor = p.NextCursor
	}
}

// PostJSON posts body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body, out any) error {
	raw, err := c.Request(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decode response from %s", endpoint)
}

func withCursor(endpoint, cursor string) string {
	if cursor == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "cursor=" + url.QueryEscape(cursor)
}
