//go:build js && wasm

package main

import (
	"context"

	"github.com/syumai/workers"

	"github.com/dvcrn/dropbox-sdk/internal/app"
	"github.com/dvcrn/dropbox-sdk/internal/config"
	"github.com/dvcrn/dropbox-sdk/internal/credentials"
	"github.com/dvcrn/dropbox-sdk/internal/logger"
	"github.com/dvcrn/dropbox-sdk/internal/server"
)

func main() {
	log := logger.New(logger.WithConsole(false))

	cfg := config.Default()
	cfg.Credentials = config.BackendMemory
	if err := config.LoadFromEnv(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to read configuration")
	}

	log.Info().Msg("📦 Using Cloudflare KV credential store")
	kvStore, err := credentials.NewKVStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Cloudflare KV store")
	}

	a, err := app.New(context.Background(), cfg, log, app.WithPersistence(kvStore))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	linker := a.NewLinker(app.CallbackURL(cfg.CallbackAddr), nil)
	workers.Serve(server.New(log, linker, server.WithAdminKey(cfg.AdminAPIKey)))
}
