package metrics

import (
	"sync"
	"time"

	"userstream/logger"
)

// Metric is one emitted measurement. The Prometheus counters and every
// registered handler see the same values.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler receives emitted metrics. The CloudWatch publisher and the
// dashboard store are the two in this repo.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type handlerSet struct {
	mu   sync.RWMutex
	last MetricHandlerID
	byID map[MetricHandlerID]MetricHandler
}

var handlers = &handlerSet{byID: make(map[MetricHandlerID]MetricHandler)}

func (s *handlerSet) add(h MetricHandler) MetricHandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	s.byID[s.last] = h
	return s.last
}

func (s *handlerSet) remove(id MetricHandlerID) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// snapshot copies the handlers so they run without the lock held and may
// unregister themselves.
func (s *handlerSet) snapshot() []MetricHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricHandler, 0, len(s.byID))
	for _, h := range s.byID {
		out = append(out, h)
	}
	return out
}

func (s *handlerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *handlerSet) reset() {
	s.mu.Lock()
	s.byID = make(map[MetricHandlerID]MetricHandler)
	s.last = 0
	s.mu.Unlock()
}

func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	return handlers.add(handler)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	handlers.remove(id)
}

// EmitMetric writes a debug line for the metric and passes it to every
// registered handler. An empty name is ignored; an empty type means counter.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	line := logger.Fields{"metric": name, "metric_type": metricType, "value": value}
	for k, v := range fields {
		line[k] = v
	}
	log.WithComponent(component).WithFields(line).Debug("metric")

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    fields,
	}
	for _, h := range handlers.snapshot() {
		h(m)
	}
}
