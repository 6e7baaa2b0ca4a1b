package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "Stochastic-Bridge/internal/errors"
	"Stochastic-Bridge/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// ChannelLog 将告警写入审计日志。
const ChannelLog Channel = "log"

// Event 描述一次需要告警的事件，例如补全任务多次失败。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	TaskID     string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	order     []Channel
}

// NewFanout 创建一个新的 FanoutDispatcher。同一渠道只保留最后注册的通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	order := make([]Channel, 0, len(set))
	for ch := range set {
		order = append(order, ch)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return &FanoutDispatcher{notifiers: set, order: order}
}

// Notify 将事件广播至所有注册渠道，并汇总各渠道的错误。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, ch := range d.order {
		notifier := d.notifiers[ch]
		event.Channel = ch
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入结构化日志，默认使用审计日志。
type LogNotifier struct {
	Logger *slog.Logger
	// MinSeverity 过滤低于该级别的事件，为空时全部记录。
	MinSeverity xerrors.Severity
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录一条告警日志。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil {
		return nil
	}
	if severityRank(event.Severity) < severityRank(n.MinSeverity) {
		return nil
	}
	log := n.Logger
	if log == nil {
		log = logger.Audit()
	}

	attrs := []slog.Attr{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("task_id", event.TaskID),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta := make([]any, 0, len(keys))
		for _, k := range keys {
			meta = append(meta, slog.String(k, event.Metadata[k]))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	log.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}

func severityRank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}
