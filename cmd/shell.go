package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
)

// FailOnError exits and prints an error message if we encountered a
// problem and err != nil.
func FailOnError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// StatsAndLogging constructs the process logger and stats scope, and when
// debugAddr is set, starts the metrics/debug HTTP listener.
func StatsAndLogging(debug bool, debugAddr string) (metrics.Scope, blog.Logger) {
	logger := blog.NewStdLogger(debug)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	scope := metrics.NewPromScope(registry, "sigil")

	if debugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			err := http.ListenAndServe(debugAddr, mux)
			logger.Err("debug listener exited", "addr", debugAddr, "err", err.Error())
		}()
	}

	return scope, logger
}
