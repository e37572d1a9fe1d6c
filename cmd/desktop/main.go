// Package main runs the local sync agent. The web UI talks to it over
// REST and WebSocket on localhost:8090 by default.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nf-motors/vehicle-eval/backend/internal/config"
	"github.com/nf-motors/vehicle-eval/backend/internal/crypto"
	"github.com/nf-motors/vehicle-eval/backend/internal/db"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/remote"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vehicle-eval-agent: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.New(os.Stdout, logging.LogLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Agent stopped", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	objects, err := remote.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	gateway, err := remote.NewGateway(cfg.Remote, objects, remote.WithRetries(cfg.Sync.HTTPRetries))
	if err != nil {
		return err
	}

	a := newApp(cfg, database, gateway, true)
	defer a.repo.Close()
	key, err := crypto.LoadOrCreateKey(cfg.DataDir)
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return err
	}
	a.repo.SetTokenSealer(sealer)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a.serve(ctx, srv)
}
