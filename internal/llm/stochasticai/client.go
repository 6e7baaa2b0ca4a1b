// Package stochasticai 将 StochasticAI 的异步提交/轮询接口封装为同步的 llm.Client。
package stochasticai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "Stochastic-Bridge/internal/errors"
	"Stochastic-Bridge/internal/llm"
	"Stochastic-Bridge/internal/observability/metrics"
	"Stochastic-Bridge/pkg/logger"
)

const maxErrorBody = 2048

// Client 向 StochasticAI 模型地址提交 prompt 并轮询结果。构造后不可变，可并发使用。
type Client struct {
	modelID      string
	submitURL    *url.URL
	apiKey       string
	params       map[string]any
	timeout      time.Duration
	maxPolls     int
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option 定义 Client 的可选配置。
type Option func(*Client)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics 记录提交、轮询次数与调用耗时。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithPollInterval 覆盖轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient 校验配置并构造客户端，所有配置错误都在发起网络请求前返回。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		pollInterval: DefaultPollInterval,
		httpClient:   &http.Client{},
		logger:       logger.Named(ProviderID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	submitURL, err := validateModelID(cfg.ModelID)
	if err != nil {
		return nil, err
	}
	params, err := buildParams(cfg.ModelKwargs, cfg.Extra, c.logger)
	if err != nil {
		return nil, err
	}
	apiKey, err := resolveAPIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout < 0 || cfg.MaxPollAttempts < 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "timeout and max_poll_attempts must not be negative")
	}

	c.modelID = submitURL.String()
	c.submitURL = submitURL
	c.apiKey = apiKey
	c.params = params
	c.timeout = cfg.Timeout
	c.maxPolls = cfg.MaxPollAttempts
	return c, nil
}

// ModelID 返回提交地址。
func (c *Client) ModelID() string { return c.modelID }

// IdentifyingParams 返回模型地址与调用参数，用于启动日志。
func (c *Client) IdentifyingParams() map[string]any {
	kwargs := make(map[string]any, len(c.params))
	for k, v := range c.params {
		kwargs[k] = v
	}
	return map[string]any{
		FieldModelID:     c.modelID,
		FieldModelKwargs: kwargs,
	}
}

type submission struct {
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params"`
}

// Generate 提交 prompt，轮询直至补全就绪，并按停止序列截断。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := c.complete(ctx, req.Prompt)
	c.metrics.ObserveGenerate(outcomeOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(req.Stop) > 0 {
		text = llm.EnforceStopTokens(text, req.Stop)
	}
	return &llm.Response{Text: text}, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	pollURL, err := c.submit(ctx, prompt)
	c.metrics.ObserveSubmission(outcomeOf(err))
	if err != nil {
		return "", err
	}
	c.logger.Debug("提交成功，开始轮询", slog.String("poll_url", pollURL))
	return c.poll(ctx, pollURL)
}

func (c *Client) submit(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(submission{Prompt: prompt, Params: c.params})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode submission")
	}
	body, err := c.do(ctx, http.MethodPost, c.modelID, payload)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Data *struct {
			ResponseURL string `json:"responseUrl"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeProtocol, err, "decode submission response")
	}
	if decoded.Data == nil || strings.TrimSpace(decoded.Data.ResponseURL) == "" {
		return "", xerrors.New(xerrors.CodeProtocol, "submission response missing data.responseUrl")
	}

	ref, err := url.Parse(strings.TrimSpace(decoded.Data.ResponseURL))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeProtocol, err, "invalid data.responseUrl")
	}
	return c.submitURL.ResolveReference(ref).String(), nil
}

func (c *Client) poll(ctx context.Context, pollURL string) (string, error) {
	for attempt := 1; ; attempt++ {
		c.metrics.IncPollAttempt()
		text, done, err := c.pollOnce(ctx, pollURL)
		if err != nil {
			return "", err
		}
		if done {
			c.logger.Debug("补全结果就绪", slog.Int("attempts", attempt))
			return text, nil
		}
		if c.maxPolls > 0 && attempt >= c.maxPolls {
			return "", xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("completion not ready after %d polls", attempt),
				xerrors.WithMetadata("poll_url", pollURL))
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", contextError(ctx)
		case <-timer.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, pollURL string) (string, bool, error) {
	body, err := c.do(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return "", false, err
	}

	var decoded struct {
		Data *struct {
			Completion json.RawMessage `json:"completion"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeProtocol, err, "decode poll response")
	}
	if decoded.Data == nil {
		return "", false, xerrors.New(xerrors.CodeProtocol, "poll response missing data")
	}
	raw := bytes.TrimSpace(decoded.Data.Completion)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}

	var completions []string
	if err := json.Unmarshal(raw, &completions); err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeProtocol, err, "data.completion is not a list of strings")
	}
	if len(completions) == 0 {
		return "", false, xerrors.New(xerrors.CodeProtocol, "data.completion is empty")
	}
	return completions[0], true, nil
}

// do 携带 StochasticAI 请求头发送一次请求，返回 2xx 响应的 body。
func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocol, err, "build "+method+" request")
	}
	req.Header.Set("apiKey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, method+" "+target+" failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, xerrors.New(xerrors.CodeTransport,
			fmt.Sprintf("%s %s returned status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(snippet))),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata("method", method))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "read "+method+" response")
	}
	return body, nil
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "completion did not finish before the deadline")
	}
	return fmt.Errorf("stochasticai: %w", err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case xerrors.HasCode(err, xerrors.CodeTransport):
		return metrics.OutcomeTransportError
	case xerrors.HasCode(err, xerrors.CodeProtocol):
		return metrics.OutcomeProtocolError
	case xerrors.HasCode(err, xerrors.CodeTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeCanceled
	}
}

var _ llm.Client = (*Client)(nil)
