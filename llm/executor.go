package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"microlearn/utils"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBase    = 1000 * time.Millisecond
	DefaultRetryMaxWait = 60 * time.Second

	maxErrorBody      = 1 << 20
	maxCompletionBody = 32 << 20
)

type ExecutorConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	// RetryMaxWait caps provider Retry-After hints.
	RetryMaxWait time.Duration
}

// Executor performs provider calls with a per-attempt deadline and bounded retries.
// It holds no per-call state, so one Executor serves all requests concurrently.
type Executor struct {
	cfg        ExecutorConfig
	httpClient *http.Client
	log        *utils.Logger
	wait       func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg ExecutorConfig, log *utils.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = DefaultRetryMaxWait
	}
	if log == nil {
		log = utils.NewNopLogger()
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Executor{
		cfg:        cfg,
		httpClient: &http.Client{Transport: tr},
		log:        log.With("component", "llm.Executor"),
		wait:       sleepContext,
	}
}

// NewExecutorWithHTTPClient is intended for tests; it avoids network access by using a custom RoundTripper.
func NewExecutorWithHTTPClient(cfg ExecutorConfig, log *utils.Logger, httpClient *http.Client) *Executor {
	e := NewExecutor(cfg, log)
	if httpClient != nil {
		e.httpClient = httpClient
	}
	return e
}

// WithWait replaces the backoff sleeper. Tests use it to record delays instead of sleeping.
func (e *Executor) WithWait(wait func(ctx context.Context, d time.Duration) error) *Executor {
	clone := *e
	clone.wait = wait
	return &clone
}

// attemptOutcome is the tagged result of one HTTP attempt, decided at the boundary before
// anything else looks at the response.
type attemptOutcome struct {
	reply      *Reply
	err        *ProviderError
	retryable  bool
	retryAfter time.Duration
}

// Execute sends payload to endpoint. Attempt N+1 starts only after attempt N's backoff has
// elapsed; the returned Reply or ProviderError records how many attempts were made.
func (e *Executor) Execute(ctx context.Context, endpoint string, payload ChatCompletionRequest, creds Credentials) (*Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Message: "encode request", Attempts: 0, Err: err}
	}

	start := time.Now()
	maxAttempts := 1 + e.cfg.MaxRetries
	var last *ProviderError

	for attempt := 0; attempt < maxAttempts; attempt++ {
		out := e.attempt(ctx, endpoint, body, creds)
		if out.reply != nil {
			out.reply.Attempts = attempt + 1
			e.log.Info("provider response received",
				"model", out.reply.Model,
				"attempts", out.reply.Attempts,
				"latency", time.Since(start).String(),
				"usage", out.reply.Usage,
			)
			return out.reply, nil
		}

		last = out.err
		last.Attempts = attempt + 1
		if !out.retryable || attempt == maxAttempts-1 {
			break
		}

		delay := e.backoff(attempt)
		if out.retryAfter > 0 {
			delay = out.retryAfter
		}
		e.log.Warn("provider request retrying",
			"kind", string(last.Kind),
			"status", last.StatusCode,
			"attempt", attempt+1,
			"max_retries", e.cfg.MaxRetries,
			"wait", delay.String(),
		)
		if err := e.wait(ctx, delay); err != nil {
			return nil, contextFailure(err, attempt+1)
		}
	}

	e.log.Error("provider request failed",
		"kind", string(last.Kind),
		"status", last.StatusCode,
		"attempts", last.Attempts,
		"error", last.Message,
	)
	return nil, last
}

// backoff is base * 2^attempt, attempt counted from zero.
func (e *Executor) backoff(attempt int) time.Duration {
	return e.cfg.RetryBase * time.Duration(1<<uint(attempt))
}

func (e *Executor) attempt(ctx context.Context, endpoint string, body []byte, creds Credentials) attemptOutcome {
	if err := ctx.Err(); err != nil {
		return attemptOutcome{err: contextFailure(err, 0)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{err: &ProviderError{Kind: KindBadRequest, Message: "build request", Err: err}}
	}
	setHeaders(req, creds)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return e.transportFailure(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	limit := int64(maxErrorBody)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		limit = maxCompletionBody
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return e.transportFailure(ctx, attemptCtx, err)
	}

	return e.classify(resp, raw)
}

func (e *Executor) transportFailure(parent, attemptCtx context.Context, err error) attemptOutcome {
	if parent.Err() != nil {
		return attemptOutcome{err: contextFailure(parent.Err(), 0)}
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return attemptOutcome{err: &ProviderError{
			Kind:    KindTimeout,
			Message: "the AI service took too long to respond",
			Err:     err,
		}}
	}
	return attemptOutcome{
		err:       &ProviderError{Kind: KindNetwork, Message: err.Error(), Err: err},
		retryable: true,
	}
}

func (e *Executor) classify(resp *http.Response, raw []byte) attemptOutcome {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		reply, err := parseCompletion(raw)
		if err != nil {
			return attemptOutcome{err: &ProviderError{Kind: KindServerError, StatusCode: status, Message: err.Error()}}
		}
		return attemptOutcome{reply: reply}
	case status == http.StatusTooManyRequests:
		return attemptOutcome{
			err:        &ProviderError{Kind: KindRateLimited, StatusCode: status, Message: "rate limited: maximum retries exceeded"},
			retryable:  true,
			retryAfter: e.retryAfter(resp),
		}
	case status >= 500:
		return attemptOutcome{
			err:        &ProviderError{Kind: KindServerError, StatusCode: status, Message: errorDetail(raw)},
			retryable:  true,
			retryAfter: e.retryAfter(resp),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return attemptOutcome{err: &ProviderError{Kind: KindAuth, StatusCode: status, Message: "provider authentication failed: " + errorDetail(raw)}}
	case status == http.StatusPaymentRequired:
		return attemptOutcome{err: &ProviderError{Kind: KindBadRequest, StatusCode: status, Message: "insufficient credits: " + errorDetail(raw)}}
	default:
		return attemptOutcome{err: &ProviderError{Kind: KindBadRequest, StatusCode: status, Message: "invalid request: " + errorDetail(raw)}}
	}
}

// retryAfter reads delta-seconds or an HTTP date. Zero means no usable hint.
func (e *Executor) retryAfter(resp *http.Response) time.Duration {
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(ra); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(ra); err == nil {
		d = time.Until(at)
	}
	if d <= 0 {
		return 0
	}
	if d > e.cfg.RetryMaxWait {
		d = e.cfg.RetryMaxWait
	}
	return d
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func parseCompletion(raw []byte) (*Reply, error) {
	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return nil, errors.New("no response content from provider")
	}
	content := strings.TrimSpace(*resp.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("no response content from provider")
	}
	return &Reply{
		Content:      content,
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
	}, nil
}

// errorDetail prefers error.message, then message, then the raw body.
func errorDetail(raw []byte) string {
	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if len(parsed.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(parsed.Error, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if err := json.Unmarshal(parsed.Error, &flat); err == nil && flat != "" {
				return flat
			}
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

func setHeaders(req *http.Request, creds Credentials) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}
	if creds.Referer != "" {
		req.Header.Set("HTTP-Referer", creds.Referer)
	}
	if creds.Title != "" {
		req.Header.Set("X-Title", creds.Title)
	}
}

func contextFailure(err error, attempts int) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Message: "request deadline exceeded", Attempts: attempts, Err: err}
	}
	return &ProviderError{Kind: KindNetwork, Message: "request canceled", Attempts: attempts, Err: err}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
