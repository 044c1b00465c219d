// Package backend is the REST collaborator of the chat client: file upload
// and the synchronous send endpoint used as the fallback delivery path.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"educhat/cmd/internal/chat"
	v1 "educhat/shared/contracts/chat/v1"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultUploadRetries = 2
	defaultUploadBackoff = 1 * time.Second
	defaultRPS           = 5
	defaultBurst         = 10

	// Max response body read; larger bodies are treated as a failure.
	maxResponseBytes = 4 << 20
)

// TokenSource yields the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures Client. Zero fields take defaults.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com.
	BaseURL string

	Timeout       time.Duration
	UploadRetries int
	UploadBackoff time.Duration

	// Client-side throttle shared by every endpoint.
	RPS   float64
	Burst int
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSleep replaces the retry sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// Client calls the upload and send endpoints.
type Client struct {
	log     *slog.Logger
	base    *url.URL
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter

	retries int
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs a Client.
func New(log *slog.Logger, cfg Config, tokens TokenSource, opts ...Option) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("backend: missing base url")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	if tokens == nil {
		return nil, errors.New("backend: nil token source")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UploadRetries < 0 {
		cfg.UploadRetries = 0
	} else if cfg.UploadRetries == 0 {
		cfg.UploadRetries = defaultUploadRetries
	}
	if cfg.UploadBackoff <= 0 {
		cfg.UploadBackoff = defaultUploadBackoff
	}
	if cfg.RPS <= 0 {
		cfg.RPS = defaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	c := &Client{
		log:     log,
		base:    base,
		tokens:  tokens,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		retries: cfg.UploadRetries,
		backoff: cfg.UploadBackoff,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// UploadFile posts data as the multipart field "file" and returns the
// attachment id. Transient failures are retried with exponential backoff
// (backoff, 2*backoff, ...); credential failures are not.
func (c *Client) UploadFile(ctx context.Context, ownerID, filename string, data []byte) (v1.ID, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.Join(chat.ErrUpload, errors.New("backend: missing owner id"))
	}
	if filename == "" {
		filename = "upload.bin"
	}

	endpoint := c.base.JoinPath("api", "v1", "messages", ownerID, "file")

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			d := c.backoff << (attempt - 1)
			c.log.Info("backend.upload.retry", "attempt", attempt, "of", c.retries, "delay", d)
			if err := c.sleep(ctx, d); err != nil {
				return "", errors.Join(chat.ErrUpload, err)
			}
		}

		id, err := c.uploadOnce(ctx, endpoint.String(), filename, data)
		if err == nil {
			return id, nil
		}
		lastErr = err
		c.log.Warn("backend.upload.fail", "attempt", attempt+1, "file", filename, "err", err)

		if chat.IsUnauthorized(err) || chat.IsAuthMissing(err) || ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(chat.ErrUpload, lastErr)
}

func (c *Client) uploadOnce(ctx context.Context, endpoint, filename string, data []byte) (v1.ID, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out v1.Response[v1.ID]
	if err := c.do(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), body.Bytes(), &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("backend: upload rejected: %s", out.Message)
	}
	if out.Data.IsZero() {
		return "", errors.New("backend: upload returned no attachment id")
	}
	return out.Data, nil
}

// SendMessage posts req as the request query parameter (body "{}") and
// returns the server's canonical message.
func (c *Client) SendMessage(ctx context.Context, req v1.SendRequest) (v1.Message, error) {
	if err := req.Validate(); err != nil {
		return v1.Message{}, errors.Join(chat.ErrSend, err)
	}
	encoded, err := req.Encode()
	if err != nil {
		return v1.Message{}, errors.Join(chat.ErrSend, err)
	}

	endpoint := c.base.JoinPath("api", "v1", "messages", "new")
	q := url.Values{}
	q.Set("request", string(encoded))
	endpoint.RawQuery = q.Encode()

	var out v1.Response[v1.Message]
	if err := c.do(ctx, http.MethodPost, endpoint.String(), v1.ContentTypeJSON, []byte("{}"), &out); err != nil {
		return v1.Message{}, errors.Join(chat.ErrSend, err)
	}
	if !out.Success {
		return v1.Message{}, errors.Join(chat.ErrSend, fmt.Errorf("backend: send rejected: %s", out.Message))
	}
	if err := out.Data.Validate(); err != nil {
		return v1.Message{}, errors.Join(chat.ErrSend, err)
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body []byte, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return errors.Join(chat.ErrAuthMissing, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.ErrAuthMissing
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", v1.ContentTypeJSON)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return err
	}
	if len(raw) > maxResponseBytes {
		return errors.New("backend: response too large")
	}

	c.log.Debug("backend.request", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "dur_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", chat.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("backend: status %d: %s", resp.StatusCode, snippet(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
