package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// 拒绝访问时写入 JSON 错误体的错误码。
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称，默认为请求路径。
	AuditEvent string
}

func (cfg MiddlewareConfig) permissionsFor(method string) []string {
	if perms, ok := cfg.RequiredPermissions[method]; ok {
		return perms
	}
	return cfg.RequiredPermissions["*"]
}

// Middleware 返回一个 HTTP 中间件，先认证再按方法授权，并写入审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s == nil || s.mode == ModeDisabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(cfg.permissionsFor(r.Method)...)
			}
			if err != nil {
				s.deny(w, r, subject, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name),
			)
		})
	}
}

// deny 写入 401/403 响应与审计记录。subject 在认证失败时为 nil。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, subject *Subject, err error) {
	status, code := http.StatusUnauthorized, CodeUnauthenticated
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
		status, code = http.StatusForbidden, CodePermissionDenied
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="stochasticd"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": err.Error()},
	})

	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if subject != nil {
		attrs = append(attrs, slog.String("subject", subject.Name))
	}
	s.audit.Warn("access_denied", attrs...)
}

// auditWriter 记录下游写出的状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
