// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/exzerolog"

	"github.com/lrhodin/convsync/pkg/attachments"
	"github.com/lrhodin/convsync/pkg/config"
	"github.com/lrhodin/convsync/pkg/engine"
	"github.com/lrhodin/convsync/pkg/store"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func setupLogger(cfg *config.LoggingConfig) (*zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}
	var log zerolog.Logger
	switch cfg.Format {
	case "json":
		log = zerolog.New(os.Stderr)
	case "pretty", "":
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	log = log.Level(level).With().Timestamp().Logger()
	exzerolog.SetupDefaults(&log)
	return &log, nil
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"), false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := setupLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func openStore(ctx *cli.Context) (*store.Store, error) {
	return store.Open(ctx.Context, getConfig(ctx).Database, *getLogger(ctx))
}

// newEngine builds an engine without a transport: the CLI only applies inbound events,
// so sending fails with engine.ErrNetworkUnavailable.
func newEngine(ctx *cli.Context, st *store.Store) (*engine.Engine, error) {
	cfg := getConfig(ctx)
	var downloader attachments.Downloader
	if cfg.Attachments.RelayURL != "" {
		downloader = attachments.NewHTTPDownloader(cfg.Attachments.RelayURL, cfg.Attachments.DownloadDir, cfg.Attachments.GetRequestTimeout())
	} else if cfg.Attachments.DownloadDir != "" {
		downloader = &attachments.DirDownloader{Root: cfg.Attachments.DownloadDir}
	}
	return engine.New(engine.Options{
		Store:      st,
		Downloader: downloader,
		Logger:     *getLogger(ctx),
		Config:     cfg,
	})
}

func main() {
	app := &cli.App{
		Name:    "convsync",
		Usage:   "Apply message events to a local conversation store and inspect the result",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"CONVSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			replayCommand,
			followCommand,
			windowCommand,
			statusCommand,
			generateConfigCommand,
			upgradeConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
