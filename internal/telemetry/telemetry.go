// Package telemetry collects run metrics in memory and reports them through
// the structured log when the run ends.
package telemetry

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one recorded observation.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector is safe for concurrent use. A disabled collector drops everything.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
}

func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = time.Now()
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// Metrics returns a copy of the recorded metrics.
func (c *Collector) Metrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.metrics)
}

// Aggregate is the reduction of all metrics sharing a name and label set.
type Aggregate struct {
	Name   string
	Type   MetricType
	Labels map[string]string
	Count  int
	// Sum for counters and timers, last value for gauges.
	Value float64
	Max   float64
}

// Aggregates reduces the recorded metrics, ordered by name then labels.
func (c *Collector) Aggregates() []Aggregate {
	byKey := map[string]*Aggregate{}
	var keys []string
	for _, m := range c.Metrics() {
		k := key(m)
		a, ok := byKey[k]
		if !ok {
			a = &Aggregate{Name: m.Name, Type: m.Type, Labels: m.Labels}
			byKey[k] = a
			keys = append(keys, k)
		}
		a.Count++
		if m.Type == Gauge {
			a.Value = m.Value
		} else {
			a.Value += m.Value
		}
		a.Max = max(a.Max, m.Value)
	}
	slices.Sort(keys)
	out := make([]Aggregate, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

func key(m Metric) string {
	var b strings.Builder
	b.WriteString(m.Name)
	labelKeys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		labelKeys = append(labelKeys, k)
	}
	slices.Sort(labelKeys)
	for _, k := range labelKeys {
		b.WriteString("|" + k + "=" + m.Labels[k])
	}
	return b.String()
}

// Flush logs the aggregates at debug level and clears the collector.
func (c *Collector) Flush(logger zerolog.Logger) {
	aggs := c.Aggregates()
	if c != nil {
		c.mu.Lock()
		c.metrics = c.metrics[:0]
		c.mu.Unlock()
	}
	for _, a := range aggs {
		ev := logger.Debug().
			Str("name", a.Name).
			Str("type", string(a.Type)).
			Int("count", a.Count).
			Float64("value", a.Value)
		if a.Type == Timer {
			ev = ev.Float64("max_ms", a.Max)
		}
		ev.Interface("labels", a.Labels).Msg("telemetry_metric")
	}
}
