package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// autoRegisterer lazily creates and registers collectors the first time a
// stat name is seen, so call sites can emit stats without a registration
// ceremony.
type autoRegisterer struct {
	registerer prometheus.Registerer

	mu        sync.Mutex
	counters  map[string]prometheus.Counter
	gauges    map[string]prometheus.Gauge
	summaries map[string]prometheus.Summary
}

func newAutoRegisterer(registerer prometheus.Registerer) *autoRegisterer {
	return &autoRegisterer{
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		summaries:  make(map[string]prometheus.Summary),
	}
}

// promSafeName strips characters Prometheus does not allow in metric names.
func promSafeName(stat string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_")
	return r.Replace(stat)
}

func (ar *autoRegisterer) autoCounter(stat string) prometheus.Counter {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	name := promSafeName(stat)
	if c, ok := ar.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "auto-registered counter " + name,
	})
	ar.registerer.MustRegister(c)
	ar.counters[name] = c
	return c
}

func (ar *autoRegisterer) autoGauge(stat string) prometheus.Gauge {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	name := promSafeName(stat)
	if g, ok := ar.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "auto-registered gauge " + name,
	})
	ar.registerer.MustRegister(g)
	ar.gauges[name] = g
	return g
}

func (ar *autoRegisterer) autoSummary(stat string) prometheus.Summary {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	name := promSafeName(stat)
	if s, ok := ar.summaries[name]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{
		Name: name,
		Help: "auto-registered summary " + name,
	})
	ar.registerer.MustRegister(s)
	ar.summaries[name] = s
	return s
}
