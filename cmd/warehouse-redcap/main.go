package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/brp"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/config"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/logger"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/pipeline"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/redcap"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/warehouse"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nerror: %v\n\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "warehouse-redcap")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := warehouse.Open(cfg.WarehouseURL)
	if err != nil {
		log.Fatal("Warehouse connection failed", zap.Error(err))
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(
		cfg,
		redcap.NewClient(cfg.RedcapAPIURL, cfg.RedcapToken, log),
		brp.NewClient(cfg.BRPAPIURL, cfg.BRPToken, log),
		warehouse.NewLoader(db, log),
		log,
	)
	if err := p.Run(ctx); err != nil {
		log.Fatal("Pipeline failed", zap.Error(err))
	}
}
