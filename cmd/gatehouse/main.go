package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gatehouse.dev/internal/app"
	"gatehouse.dev/internal/config"
	"gatehouse.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load(".env")
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, version)
	if err != nil {
		log.WithError(err).Fatal("build gatehouse")
	}
	log.WithField("version", version).Info("starting gatehouse")

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Fatal("gatehouse stopped with error")
	}
	log.Info("stopped")
}
