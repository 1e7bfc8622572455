package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketguard/internal/api"
	"marketguard/internal/config"
	"marketguard/internal/ingest"
	"marketguard/internal/logging"
	"marketguard/internal/monitor"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("marketguard %s\n", version)
		return
	}

	var mgr *config.Manager
	var err error
	if *configPath != "" {
		mgr, err = config.NewManager(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}

	cfg := mgr.Get()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting marketguard", "version", version, "config", *configPath)

	mon, err := monitor.New(mgr, logger)
	if err != nil {
		logger.Error("init monitor", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon.Start(ctx)
	ingest.StartREST(ctx, mgr, mon.Bus(), logger)
	ingest.StartKafka(ctx, mgr, mon.Bus(), logger)
	api.Start(ctx, mgr, mon, logger, version)

	<-ctx.Done()
	logger.Info("shutting down")
	mon.Stop()
}
