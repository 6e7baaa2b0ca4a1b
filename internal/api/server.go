package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Stochastic-Bridge/internal/auth"
	xerrors "Stochastic-Bridge/internal/errors"
	"Stochastic-Bridge/internal/llm"
	"Stochastic-Bridge/internal/observability/metrics"
	"Stochastic-Bridge/internal/task"
	"Stochastic-Bridge/pkg/logger"
)

const maxBodyBytes = 1 << 20

// metadataSubmittedBy 记录提交任务的认证主体名称。
const metadataSubmittedBy = "submitted_by"

// Server 负责暴露 REST 接口，供外部提交补全请求与查询任务。
type Server struct {
	addr            string
	tasks           *task.Service
	client          llm.Client
	metrics         *metrics.Metrics
	metricsPath     string
	shutdownTimeout time.Duration
	auth            *auth.Service
	logger          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithCompletionClient 启用同步补全接口。
func WithCompletionClient(client llm.Client) Option {
	return func(s *Server) { s.client = client }
}

// WithMetrics 为每个路由记录请求指标，并在 path 上暴露 Prometheus 指标。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithAuth 为 /api/v1 下的路由启用 Bearer Token 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithShutdownTimeout 设置优雅退出的最长等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		metricsPath:     "/metrics",
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/completions", s.route("completions", s.handleCompletions, map[string][]string{
		"*": {auth.PermissionCompletionsInvoke},
	}))
	mux.Handle("/api/v1/tasks", s.route("tasks", s.handleTasks, map[string][]string{
		http.MethodPost: {auth.PermissionTasksWrite},
		"*":             {auth.PermissionTasksRead},
	}))
	mux.Handle("/api/v1/tasks/", s.route("task_detail", s.handleTaskDetail, map[string][]string{
		"*": {auth.PermissionTasksRead},
	}))
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle(s.metricsPath, s.metrics.Handler())
	}
	return mux
}

// route 依次套上指标与认证中间件。
func (s *Server) route(name string, fn http.HandlerFunc, perms map[string][]string) http.Handler {
	var h http.Handler = fn
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms, AuditEvent: name})(h)
	}
	return s.metrics.Instrument(name, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type completionRequest struct {
	Prompt string   `json:"prompt"`
	Stop   []string `json:"stop,omitempty"`
}

// handleCompletions 同步调用大模型并直接返回补全文本。
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 POST")
		return
	}
	if s.client == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "补全客户端未初始化")
		return
	}
	var req completionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "prompt 不能为空")
		return
	}

	resp, err := s.client.Generate(r.Context(), llm.Request{Prompt: req.Prompt, Stop: req.Stop})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET/POST")
	}
}

// handleCreateTask 异步提交补全任务，返回 202 与任务快照。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "任务服务未初始化")
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return
	}
	if name := auth.SubjectName(r.Context()); name != "" {
		if req.Metadata == nil {
			req.Metadata = make(map[string]any, 1)
		}
		req.Metadata[metadataSubmittedBy] = name
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "任务服务未初始化")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskDetail 处理 /api/v1/tasks/{id} 与 /api/v1/tasks/stats。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "缺少任务 ID")
		return
	}
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "任务服务未初始化")
		return
	}
	if id == "stats" {
		s.handleTaskStats(w, r)
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 8)

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, errors.New("未知的任务状态: " + part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"updated_since": task.WithUpdatedSince,
		"updated_until": task.WithUpdatedUntil,
	} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New(key + " 必须是 Unix 秒级时间戳")
		}
		opts = append(opts, apply(time.Unix(ts, 0)))
	}
	order, err := task.ParseSortOrder(query.Get("order"))
	if err != nil {
		return nil, err
	}
	opts = append(opts, task.WithSortOrder(order))
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeError(w, status, string(code), err.Error())
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeTransport, xerrors.CodeProtocol:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case task.CodeTaskConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return decoder.Decode(target)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
