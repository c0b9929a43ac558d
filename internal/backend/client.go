// Package backend talks to the attribution service and the config-resolution
// endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"depthnotes/gate/internal/logging"
)

const (
	DefaultAttributionURL = "https://gcdsdk.appsflyer.com/install_data/v4.0"
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 90 * time.Second

	maxBodyBytes = 1 << 20
)

var DefaultRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// DeviceInfo supplies per-install identifiers for the endpoint payload.
type DeviceInfo interface {
	DeviceID(ctx context.Context) string
	PushToken(ctx context.Context) string
}

type Config struct {
	AttributionURL    string
	ConfigURL         string
	AppID             string
	DevKey            string
	BundleID          string
	FirebaseProjectID string
	Platform          string
	Locale            string
	RetryDelays       []time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	ua     UserAgentProvider
	device DeviceInfo
	logger *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. with httptest's.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithUserAgent(ua UserAgentProvider) Option {
	return func(c *Client) { c.ua = ua }
}

func WithDeviceInfo(device DeviceInfo) Option {
	return func(c *Client) { c.device = device }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.AttributionURL == "" {
		cfg.AttributionURL = DefaultAttributionURL
	}
	if cfg.Platform == "" {
		cfg.Platform = "iOS"
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(cfg.ConnectTimeout, cfg.RequestTimeout)
	}
	if c.ua == nil {
		c.ua = StaticUserAgent("")
	}
	c.logger = logging.OrDefault(c.logger).With("component", "backend")
	return c
}

// NewHTTPClient builds a client with a connect budget (dial and TLS) and an
// overall budget per request. It keeps no cookies and no cache.
func NewHTTPClient(connect, total time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: total}
}

// FetchTracking asks the attribution service for the install's conversion
// data. Single attempt.
func (c *Client) FetchTracking(ctx context.Context, deviceID string) (map[string]any, error) {
	const op = "fetch tracking"

	base, err := url.Parse(strings.TrimRight(c.cfg.AttributionURL, "/") + "/id" + c.cfg.AppID)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, requestError(op, 0, ErrInvalidURL)
	}
	q := base.Query()
	q.Set("devkey", c.cfg.DevKey)
	q.Set("device_id", deviceID)
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, requestError(op, 0, ErrInvalidURL)
	}
	req.Header.Set("Accept", "application/json")
	c.noCache(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, requestError(op, 0, fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, requestError(op, resp.StatusCode, fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, requestError(op, resp.StatusCode, ErrRequestFailed)
	}

	payload, err := decodeObject(body)
	if err != nil {
		return nil, requestError(op, resp.StatusCode, ErrDecode)
	}
	c.logger.Info("tracking fetched", "keys", len(payload))
	return payload, nil
}

type endpointResponse struct {
	OK  *bool   `json:"ok"`
	URL *string `json:"url"`
}

// FetchEndpoint posts the enriched tracking payload and returns the URL the
// server resolves. Generic failures are tried len(RetryDelays) times with
// RetryDelays[i] between attempts. 429 responses have their own budget of
// the same size and back off RetryDelays[i]*(i+1).
func (c *Client) FetchEndpoint(ctx context.Context, tracking map[string]string) (string, error) {
	const op = "fetch endpoint"

	target, err := url.Parse(c.cfg.ConfigURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return "", requestError(op, 0, ErrInvalidURL)
	}

	body, err := json.Marshal(c.endpointPayload(ctx, tracking))
	if err != nil {
		return "", requestError(op, 0, fmt.Errorf("%w: %v", ErrDecode, err))
	}
	userAgent := c.ua.UserAgent(ctx)

	delays := c.cfg.RetryDelays
	var (
		failures    int
		rateLimited int
		lastErr     error
	)
	for {
		endpoint, err := c.postEndpoint(ctx, target.String(), body, userAgent)
		if err == nil {
			return endpoint, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusTooManyRequests {
			if rateLimited >= len(delays) {
				c.logger.Warn("rate limit budget exhausted", "attempts", rateLimited+1)
				return "", requestError(op, http.StatusTooManyRequests, ErrRateLimited)
			}
			wait := delays[rateLimited] * time.Duration(rateLimited+1)
			rateLimited++
			c.logger.Warn("rate limited, backing off", "wait", wait, "hit", rateLimited)
			if err := sleep(ctx, wait); err != nil {
				return "", err
			}
			continue
		}

		lastErr = err
		failures++
		if failures >= len(delays) {
			c.logger.Warn("endpoint resolution failed", "attempts", failures, "err", err)
			return "", lastErr
		}
		wait := delays[failures-1]
		c.logger.Warn("endpoint request failed, retrying", "attempt", failures, "wait", wait, "err", err)
		if err := sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

func (c *Client) postEndpoint(ctx context.Context, target string, body []byte, userAgent string) (string, error) {
	const op = "fetch endpoint"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", requestError(op, 0, ErrInvalidURL)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.noCache(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", requestError(op, 0, fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", requestError(op, resp.StatusCode, fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", requestError(op, resp.StatusCode, ErrRequestFailed)
	}

	var decoded endpointResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", requestError(op, resp.StatusCode, ErrDecode)
	}
	if decoded.OK == nil || !*decoded.OK || decoded.URL == nil || !isAbsoluteURL(*decoded.URL) {
		return "", requestError(op, resp.StatusCode, ErrDecode)
	}
	return strings.TrimSpace(*decoded.URL), nil
}

// isAbsoluteURL reports whether s has both a scheme and a host.
func isAbsoluteURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	return err == nil && u.Scheme != "" && u.Host != ""
}

func (c *Client) endpointPayload(ctx context.Context, tracking map[string]string) map[string]any {
	payload := make(map[string]any, len(tracking)+8)
	for k, v := range tracking {
		payload[k] = v
	}

	var deviceID, pushToken string
	if c.device != nil {
		deviceID = c.device.DeviceID(ctx)
		pushToken = c.device.PushToken(ctx)
	}

	payload["os"] = c.cfg.Platform
	payload["af_id"] = deviceID
	payload["bundle_id"] = c.cfg.BundleID
	payload["firebase_project_id"] = c.cfg.FirebaseProjectID
	payload["store_id"] = "id" + c.cfg.AppID
	payload["push_token"] = pushToken
	payload["locale"] = Locale(c.cfg.Locale)
	return payload
}

func (c *Client) noCache(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrDecode
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
