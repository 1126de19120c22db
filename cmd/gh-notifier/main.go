package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/app"
	"github.com/nhle/gh-notifier/internal/model"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	dbPath := flag.String("db", model.DefaultDatabasePath(), "path to the local database")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	a, err := app.New(app.Options{
		ConfigPath:   *configPath,
		DatabasePath: *dbPath,
		Log:          log,
	})
	if err != nil {
		log.WithError(err).Fatal("initialization failed")
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		log.WithError(err).Fatal("startup failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	if err := a.Stop(); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
