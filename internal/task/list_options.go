package task

import (
	"fmt"
	"strings"
	"time"
)

// 列表分页的默认值与上限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// SortOrder 表示按更新时间排序的方向。
type SortOrder string

const (
	SortNewestFirst SortOrder = "desc"
	SortOldestFirst SortOrder = "asc"
)

// ParseSortOrder 解析 "asc"/"desc"，空字符串视为 desc。
func ParseSortOrder(raw string) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortNewestFirst:
		return SortNewestFirst, nil
	case SortOldestFirst:
		return SortOldestFirst, nil
	}
	return "", fmt.Errorf("未知的排序方向: %s", raw)
}

// ListOptions 描述一次任务列表查询。时间窗口以 Unix 秒表示，0 表示不限。
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	UpdatedSince int64
	UpdatedUntil int64
	HasResult    *bool
	Order        SortOrder
	Query        string
}

func (opts *ListOptions) normalize() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = dedupeStatuses(opts.Statuses)
	if opts.Order != SortOldestFirst {
		opts.Order = SortNewestFirst
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改一次列表查询的条件。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，超出 MaxListLimit 时截断。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 offset 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 仅返回处于给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithUpdatedSince 仅返回在 ts 及之后更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedSince = unixOrZero(ts) }
}

// WithUpdatedUntil 仅返回在 ts 及之前更新过的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedUntil = unixOrZero(ts) }
}

// WithResultPresence 按是否已有补全结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在任务 ID、prompt 与补全文本中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func dedupeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !containsStatus(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
