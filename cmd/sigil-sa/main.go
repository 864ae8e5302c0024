// sigil-sa runs the storage authority of the credential store: it opens
// the configured backend, optionally bootstraps the schema, logs one health
// probe, and serves metrics on the debug address until terminated. The HTTP API layers
// consume the repository factory in-process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"

	"github.com/sigil-dev/sigil/cmd"
	"github.com/sigil-dev/sigil/sa"
)

func main() {
	configFile := flag.String("config", "", "Path to the JSON configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")

	stats, logger := cmd.StatsAndLogging(*debug, c.DebugAddr)

	dbCfg, err := c.SA.DB.BackendConfig()
	cmd.FailOnError(err, "Resolving database configuration")

	factory := sa.NewRepositoryFactory(clock.Default(), logger, stats)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = factory.Initialize(ctx, sa.FactoryConfig{
		DB:              dbCfg,
		CacheEnabled:    c.SA.Cache.CacheEnabled(),
		CacheMaxEntries: c.SA.Cache.MaxEntries,
		CreateSchema:    c.SA.CreateSchema,
	})
	cancel()
	cmd.FailOnError(err, "Initializing repository factory")

	health, err := factory.Health(context.Background())
	cmd.FailOnError(err, "Probing backend health")
	logger.Info("storage authority ready",
		"connected", health.Connected,
		"responseTime", health.ResponseTime.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	err = factory.Close(shutdownCtx)
	cmd.FailOnError(err, "Closing repository factory")
}
