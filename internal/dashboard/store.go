package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"userstream/internal/metrics"
)

const defaultHistory = 200

// history keeps the newest limit values pushed into it.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &history[T]{limit: limit}
}

func (h *history[T]) push(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, v)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append([]T(nil), h.items[over:]...)
	}
}

func (h *history[T]) snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]T(nil), h.items...)
}

// metricStore is registered as a metric handler and backs /api/metrics.
type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{history: newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.push(m)
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore backs /api/logs. As a logrus hook it only sees warnings and
// errors, which is where unbound streams, decode failures and handler
// faults are reported.
type logStore struct {
	*history[logRecord]
	open atomic.Bool
}

func newLogStore(limit int) *logStore {
	s := &logStore{history: newHistory[logRecord](limit)}
	s.open.Store(true)
	return s
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels[:logrus.WarnLevel+1]
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.open.Load() {
		s.push(recordOf(entry))
	}
	return nil
}

// close stops recording. logrus has no way to remove a hook.
func (s *logStore) close() {
	s.open.Store(false)
}

func recordOf(entry *logrus.Entry) logRecord {
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}
	return rec
}
