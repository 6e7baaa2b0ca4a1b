package stochasticai

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	xerrors "Stochastic-Bridge/internal/errors"
	"Stochastic-Bridge/internal/llm"
	"Stochastic-Bridge/internal/observability/metrics"
)

// fakeUpstream 模拟提交与轮询接口。pollBodies 按顺序返回，用尽后重复最后一条。
type fakeUpstream struct {
	t          *testing.T
	srv        *httptest.Server
	submitCode int
	submitBody string
	pollCode   int
	pollBodies []string

	posts atomic.Int32
	gets  atomic.Int32

	mu       sync.Mutex
	lastBody map[string]any
	headers  http.Header
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{t: t, submitCode: http.StatusOK, pollCode: http.StatusOK}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	f.submitBody = `{"data":{"responseUrl":"` + f.srv.URL + `/poll/abc"}}`
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/modelApi/submit/flan-t5":
		f.posts.Add(1)
		raw, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		if err := json.Unmarshal(raw, &body); err != nil {
			f.t.Errorf("decode submission body: %v", err)
		}
		f.mu.Lock()
		f.headers = r.Header.Clone()
		f.lastBody = body
		f.mu.Unlock()
		w.WriteHeader(f.submitCode)
		_, _ = w.Write([]byte(f.submitBody))
	case r.Method == http.MethodGet && r.URL.Path == "/poll/abc":
		n := int(f.gets.Add(1))
		if r.Header.Get("apiKey") != "test-key" {
			f.t.Errorf("poll request missing apiKey header")
		}
		w.WriteHeader(f.pollCode)
		if len(f.pollBodies) == 0 {
			return
		}
		idx := n - 1
		if idx >= len(f.pollBodies) {
			idx = len(f.pollBodies) - 1
		}
		_, _ = w.Write([]byte(f.pollBodies[idx]))
	default:
		http.NotFound(w, r)
	}
}

// submission 返回最近一次提交请求的 body 与请求头。
func (f *fakeUpstream) submission() (map[string]any, http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody, f.headers
}

func (f *fakeUpstream) modelID() string {
	return f.srv.URL + "/v1/modelApi/submit/flan-t5"
}

func newTestClient(t *testing.T, f *fakeUpstream, cfg Config, opts ...Option) *Client {
	t.Helper()
	if cfg.ModelID == "" {
		cfg.ModelID = f.modelID()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	base := []Option{WithHTTPClient(f.srv.Client()), WithPollInterval(time.Millisecond)}
	client, err := NewClient(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGeneratePollsUntilCompletion(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollBodies = []string{
		`{"data":{"completion":null}}`,
		`{"data":{"completion":null}}`,
		`{"data":{"completion":["Hello world"]}}`,
	}
	client := newTestClient(t, f, Config{})
	client.pollInterval = DefaultPollInterval

	start := time.Now()
	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "Say hi"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if got := f.gets.Load(); got != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", got)
	}
	if elapsed < time.Second {
		t.Fatalf("expected at least two 0.5s waits, elapsed %s", elapsed)
	}

	body, headers := f.submission()
	if headers.Get("apiKey") != "test-key" {
		t.Fatalf("missing apiKey header: %v", headers)
	}
	if headers.Get("Accept") != "application/json" || headers.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content headers: %v", headers)
	}
	if body["prompt"] != "Say hi" {
		t.Fatalf("unexpected prompt in body: %v", body)
	}
	if params, ok := body["params"].(map[string]any); !ok || len(params) != 0 {
		t.Fatalf("expected empty params object, got %#v", body["params"])
	}
}

func TestGenerateAppliesStopSequences(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollBodies = []string{`{"data":{"completion":["Hello world, goodbye","ignored"]}}`}
	client := newTestClient(t, f, Config{})

	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "p", Stop: []string{"world"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Hello " {
		t.Fatalf("expected truncated text, got %q", resp.Text)
	}
}

func TestGenerateMissingResponseURL(t *testing.T) {
	f := newFakeUpstream(t)
	f.submitBody = `{"data":{}}`
	client := newTestClient(t, f, Config{})

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "p"})
	if !stdErrors.Is(err, xerrors.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if f.gets.Load() != 0 {
		t.Fatalf("no poll should be issued, got %d", f.gets.Load())
	}
}

func TestGenerateMalformedSubmission(t *testing.T) {
	f := newFakeUpstream(t)
	f.submitBody = `not json`
	client := newTestClient(t, f, Config{})

	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "p"}); !stdErrors.Is(err, xerrors.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestGenerateSubmitHTTPError(t *testing.T) {
	f := newFakeUpstream(t)
	f.submitCode = http.StatusInternalServerError
	f.submitBody = `{"error":"boom"}`
	client := newTestClient(t, f, Config{})

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "p"})
	if !stdErrors.Is(err, xerrors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if coded, ok := xerrors.From(err); !ok || coded.Metadata()["status"] != "500" {
		t.Fatalf("expected status metadata, got %v", err)
	}
	if f.gets.Load() != 0 {
		t.Fatalf("no poll should be issued after a failed submission, got %d", f.gets.Load())
	}
	if f.posts.Load() != 1 {
		t.Fatalf("submission must not be retried, got %d posts", f.posts.Load())
	}
}

func TestGeneratePollHTTPErrorFailsImmediately(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollCode = http.StatusBadGateway
	client := newTestClient(t, f, Config{})

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "p"})
	if !stdErrors.Is(err, xerrors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if f.gets.Load() != 1 {
		t.Fatalf("expected a single poll, got %d", f.gets.Load())
	}
}

func TestGeneratePollProtocolErrors(t *testing.T) {
	cases := map[string]string{
		"missing data":     `{}`,
		"empty completion": `{"data":{"completion":[]}}`,
		"wrong type":       `{"data":{"completion":"text"}}`,
		"malformed":        `{"data":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFakeUpstream(t)
			f.pollBodies = []string{body}
			client := newTestClient(t, f, Config{})
			if _, err := client.Generate(context.Background(), llm.Request{Prompt: "p"}); !stdErrors.Is(err, xerrors.ErrProtocol) {
				t.Fatalf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestGenerateResolvesRelativePollURL(t *testing.T) {
	f := newFakeUpstream(t)
	f.submitBody = `{"data":{"responseUrl":"/poll/abc"}}`
	f.pollBodies = []string{`{"data":{"completion":["ok"]}}`}
	client := newTestClient(t, f, Config{})

	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
}

func TestGenerateHonoursCancellation(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollBodies = []string{`{"data":{"completion":null}}`}
	client := newTestClient(t, f, Config{}, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, llm.Request{Prompt: "p"})
	if !stdErrors.Is(err, xerrors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
}

func TestGenerateMaxPollAttempts(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollBodies = []string{`{"data":{"completion":null}}`}
	client := newTestClient(t, f, Config{MaxPollAttempts: 4})

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "p"})
	if !stdErrors.Is(err, xerrors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if f.gets.Load() != 4 {
		t.Fatalf("expected 4 polls, got %d", f.gets.Load())
	}
}

func TestExtraFieldsFoldIntoParams(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollBodies = []string{`{"data":{"completion":["done"]}}`}

	var logs bytes.Buffer
	l := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	client := newTestClient(t, f, Config{
		ModelKwargs: map[string]any{"max_length": 64},
		Extra:       map[string]any{"temperature": 0.5},
	}, WithLogger(l))

	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "p"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	body, _ := f.submission()
	params, ok := body["params"].(map[string]any)
	if !ok {
		t.Fatalf("params missing from body: %v", body)
	}
	if params["temperature"] != 0.5 {
		t.Fatalf("expected params.temperature == 0.5, got %v", params["temperature"])
	}
	if params["max_length"] != float64(64) {
		t.Fatalf("expected params.max_length == 64, got %v", params["max_length"])
	}
	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "field=temperature") {
		t.Fatalf("expected relocation warning, got %q", out)
	}
}

func TestNewClientConfigurationErrors(t *testing.T) {
	t.Setenv(EnvAPIKey, "")

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "duplicate parameter",
			cfg: Config{
				ModelID:     "https://api.stochastic.ai/v1/modelApi/submit/flan-t5",
				APIKey:      "k",
				ModelKwargs: map[string]any{"foo": 1},
				Extra:       map[string]any{"foo": 2},
			},
			want: "supplied twice",
		},
		{
			name: "extra shadows explicit field",
			cfg: Config{
				ModelID: "https://api.stochastic.ai/v1/modelApi/submit/flan-t5",
				APIKey:  "k",
				Extra:   map[string]any{FieldModelID: "other"},
			},
			want: "supplied twice",
		},
		{
			name: "missing api key",
			cfg:  Config{ModelID: "https://api.stochastic.ai/v1/modelApi/submit/flan-t5"},
			want: EnvAPIKey,
		},
		{
			name: "missing model id",
			cfg:  Config{APIKey: "k"},
			want: FieldModelID,
		},
		{
			name: "non http model id",
			cfg:  Config{ModelID: "ftp://example.com/model", APIKey: "k"},
			want: "http(s)",
		},
		{
			name: "unencodable kwargs",
			cfg: Config{
				ModelID:     "https://api.stochastic.ai/v1/modelApi/submit/flan-t5",
				APIKey:      "k",
				ModelKwargs: map[string]any{"fn": func() {}},
			},
			want: "JSON",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(tc.cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			if !stdErrors.Is(err, xerrors.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	client, err := NewClient(Config{ModelID: "https://api.stochastic.ai/v1/modelApi/submit/flan-t5"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.apiKey != "env-key" {
		t.Fatalf("expected key from environment, got %q", client.apiKey)
	}

	explicit, err := NewClient(Config{ModelID: "https://api.stochastic.ai/v1/modelApi/submit/flan-t5", APIKey: "explicit"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if explicit.apiKey != "explicit" {
		t.Fatalf("explicit key must win over the environment, got %q", explicit.apiKey)
	}
}

func TestNewClientDefaultHTTPClientHasNoTimeout(t *testing.T) {
	client, err := NewClient(Config{ModelID: "https://api.stochastic.ai/v1/modelApi/submit/flan-t5", APIKey: "k"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.httpClient.Timeout != 0 {
		t.Fatalf("default http client must not impose a timeout, got %s", client.httpClient.Timeout)
	}
	if client.timeout != 0 || client.maxPolls != 0 {
		t.Fatalf("default client must poll without a bound, got timeout=%s polls=%d", client.timeout, client.maxPolls)
	}
}

func TestIdentifyingParams(t *testing.T) {
	client, err := NewClient(Config{
		ModelID:     "https://api.stochastic.ai/v1/modelApi/submit/flan-t5",
		APIKey:      "k",
		ModelKwargs: map[string]any{"top_p": 0.9},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	params := client.IdentifyingParams()
	if params[FieldModelID] != "https://api.stochastic.ai/v1/modelApi/submit/flan-t5" {
		t.Fatalf("unexpected model id: %v", params[FieldModelID])
	}
	kwargs := params[FieldModelKwargs].(map[string]any)
	kwargs["top_p"] = 0.1
	if client.params["top_p"] != 0.9 {
		t.Fatalf("IdentifyingParams must not expose internal state")
	}
}

func TestGenerateRecordsMetrics(t *testing.T) {
	f := newFakeUpstream(t)
	f.pollBodies = []string{`{"data":{"completion":null}}`, `{"data":{"completion":["ok"]}}`}
	reg := prometheus.NewRegistry()
	client := newTestClient(t, f, Config{}, WithMetrics(metrics.New("stochastic", reg)))

	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "p"}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var polls float64
	for _, family := range families {
		if family.GetName() == "stochastic_poll_attempts_total" {
			polls = family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if polls != 2 {
		t.Fatalf("expected 2 recorded polls, got %v", polls)
	}
}
