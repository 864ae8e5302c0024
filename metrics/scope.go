// Package metrics exposes a small stats façade over Prometheus. Components
// receive a Scope and record counters, gauges, and timings without knowing
// how collectors are registered.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that will prefix the name of the stats it
// collects.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64)
	Gauge(stat string, value int64)
	GaugeDelta(stat string, value int64)
	TimingDuration(stat string, delta time.Duration)
	SetInt(stat string, value int64)

	MustRegister(...prometheus.Collector)
}

// promScope is a Scope that sends data to Prometheus
type promScope struct {
	prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends data to Prometheus
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		Registerer:     registerer,
		prefix:         strings.Join(scopes, "_") + "_",
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

// NewScope generates a new Scope prefixed by this Scope's prefix plus the
// prefixes given joined by underscores
func (s *promScope) NewScope(scopes ...string) Scope {
	scope := strings.Join(scopes, "_")
	return NewPromScope(s.Registerer, s.prefix+scope)
}

// Inc increments the given stat and adds the Scope's prefix to the name
func (s *promScope) Inc(stat string, value int64) {
	s.autoCounter(s.prefix + stat).Add(float64(value))
}

// Gauge sends a gauge stat and adds the Scope's prefix to the name
func (s *promScope) Gauge(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Set(float64(value))
}

// GaugeDelta sends the change in a gauge stat and adds the Scope's prefix
// to the name
func (s *promScope) GaugeDelta(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Add(float64(value))
}

// TimingDuration sends a latency stat as a time.Duration and adds the
// Scope's prefix to the name
func (s *promScope) TimingDuration(stat string, delta time.Duration) {
	s.autoSummary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
}

// SetInt sets a stat's integer value and adds the Scope's prefix to the name
func (s *promScope) SetInt(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Set(float64(value))
}

type noopScope struct{}

// NewNoopScope returns a Scope that won't collect anything
func NewNoopScope() Scope {
	return noopScope{}
}

func (ns noopScope) NewScope(scopes ...string) Scope        { return ns }
func (noopScope) Inc(stat string, value int64)              {}
func (noopScope) Gauge(stat string, value int64)            {}
func (noopScope) GaugeDelta(stat string, value int64)       {}
func (noopScope) TimingDuration(stat string, d time.Duration) {}
func (noopScope) SetInt(stat string, value int64)           {}
func (noopScope) MustRegister(...prometheus.Collector)      {}
