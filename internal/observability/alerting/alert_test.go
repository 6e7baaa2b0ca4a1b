package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	xerrors "Stochastic-Bridge/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("boom")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTransport, TaskID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error from channel b, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected one event per notifier, got %d and %d", len(a.events), len(b.events))
	}
	if a.events[0].Channel != "a" || a.events[0].OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", a.events[0])
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogNotifierWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := n.Notify(context.Background(), Event{
		Code:       xerrors.CodeTimeout,
		Message:    "completion did not finish",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "t1",
		Attempts:   3,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "terminal"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v (%s)", err, buf.String())
	}
	if record["level"] != "ERROR" || record["msg"] != "completion did not finish" {
		t.Fatalf("unexpected record: %v", record)
	}
	if record["code"] != string(xerrors.CodeTimeout) || record["task_id"] != "t1" {
		t.Fatalf("missing attributes: %v", record)
	}
	meta, ok := record["metadata"].(map[string]any)
	if !ok || meta["stage"] != "terminal" {
		t.Fatalf("missing metadata group: %v", record)
	}
}

func TestLogNotifierSeverityFilter(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{
		Logger:      slog.New(slog.NewJSONHandler(&buf, nil)),
		MinSeverity: xerrors.SeverityCritical,
	}
	_ = n.Notify(context.Background(), Event{Severity: xerrors.SeverityWarning, Message: "retry"})
	if buf.Len() != 0 {
		t.Fatalf("warning should be filtered, got %s", buf.String())
	}
}
