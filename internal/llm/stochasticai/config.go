package stochasticai

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	xerrors "Stochastic-Bridge/internal/errors"
)

const (
	// ProviderID 是适配器在日志中使用的名称。
	ProviderID = "stochasticai"
	// EnvAPIKey 在 Config.APIKey 为空时读取。
	EnvAPIKey = "STOCHASTICAI_API_KEY"
	// DefaultPollInterval 是两次轮询之间的固定间隔。
	DefaultPollInterval = 500 * time.Millisecond
)

// 显式配置项的字段名，额外字段不能与之重名。
const (
	FieldModelID     = "model_id"
	FieldAPIKey      = "stochasticai_api_key"
	FieldModelKwargs = "model_kwargs"
)

// Config 描述构造 Client 所需的全部参数。
type Config struct {
	// ModelID 既是提交地址，也是模型标识。
	ModelID string
	// APIKey 为空时回退到 STOCHASTICAI_API_KEY 环境变量。
	APIKey string
	// ModelKwargs 合并进每次请求的 params。
	ModelKwargs map[string]any
	// Extra 保存调用方提供的未知字段，构造时逐个移入 ModelKwargs 并记录警告。
	Extra map[string]any
	// Timeout 限制单次 Generate 的总耗时，0 表示不限。
	Timeout time.Duration
	// MaxPollAttempts 限制轮询次数，0 表示不限。
	MaxPollAttempts int
}

func isKnownField(name string) bool {
	switch name {
	case FieldModelID, FieldAPIKey, FieldModelKwargs:
		return true
	}
	return false
}

// buildParams 将 extra 合并进 kwargs 的副本。每个被转移的字段都会记录警告；
// 与 kwargs 或显式字段重名时返回配置错误。
func buildParams(kwargs, extra map[string]any, logger *slog.Logger) (map[string]any, error) {
	params := make(map[string]any, len(kwargs)+len(extra))
	for key, value := range kwargs {
		params[key] = value
	}

	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, dup := params[name]; dup || isKnownField(name) {
			return nil, xerrors.New(xerrors.CodeConfiguration, "Found "+name+" supplied twice.",
				xerrors.WithMetadata("field", name))
		}
		logger.Warn("field was transferred to model_kwargs, please confirm it is what you intended",
			slog.String("field", name))
		params[name] = extra[name]
	}

	if _, err := json.Marshal(params); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "model_kwargs is not JSON encodable")
	}
	return params, nil
}

// resolveAPIKey 优先使用显式传入的值，其次读取环境变量。
func resolveAPIKey(explicit string) (string, error) {
	if key := strings.TrimSpace(explicit); key != "" {
		return key, nil
	}
	if key, ok := os.LookupEnv(EnvAPIKey); ok && strings.TrimSpace(key) != "" {
		return strings.TrimSpace(key), nil
	}
	return "", xerrors.New(xerrors.CodeConfiguration,
		"Did not find "+FieldAPIKey+", please add an environment variable `"+EnvAPIKey+
			"` which contains it, or pass `"+FieldAPIKey+"` as a named parameter.")
}

func validateModelID(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, FieldModelID+" is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, FieldModelID+" is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, xerrors.New(xerrors.CodeConfiguration, FieldModelID+" must be an http(s) URL")
	}
	return parsed, nil
}
