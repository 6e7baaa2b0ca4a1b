package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"Stochastic-Bridge/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	tokens map[[sha256.Size]byte]*Subject
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:   mode,
		tokens: make(map[[sha256.Size]byte]*Subject, len(cfg.Tokens)),
		audit:  logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	if len(cfg.Tokens) == 0 {
		return nil, errors.New("static mode requires at least one token")
	}
	for i, tok := range cfg.Tokens {
		secret := strings.TrimSpace(tok.Token)
		if secret == "" {
			return nil, fmt.Errorf("token #%d has an empty secret", i)
		}
		name := strings.TrimSpace(tok.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		key := sha256.Sum256([]byte(secret))
		if _, dup := svc.tokens[key]; dup {
			return nil, fmt.Errorf("token %q is configured twice", name)
		}
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), tok.Permissions...),
			Disabled:    tok.Disabled,
		}
		subject.normalise()
		svc.tokens[key] = subject
	}
	return svc, nil
}

// Mode 返回当前启用的认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	key := sha256.Sum256([]byte(strings.TrimSpace(token)))

	// 比较摘要而不是原文，逐项常量时间比较。
	var match *Subject
	for candidate, subject := range s.tokens {
		if subtle.ConstantTimeCompare(candidate[:], key[:]) == 1 {
			match = subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
