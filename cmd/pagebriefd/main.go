// pagebriefd - the pagebrief relay daemon.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/jeranaias/pagebrief/internal/config"
	"github.com/jeranaias/pagebrief/internal/logging"
	"github.com/jeranaias/pagebrief/internal/ratelimit"
	"github.com/jeranaias/pagebrief/internal/relay"
	"github.com/jeranaias/pagebrief/internal/store"
	"github.com/jeranaias/pagebrief/internal/upstream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// swappableGenerator lets a config reload replace the upstream client while
// streams are in flight. In-flight streams keep the client they started with.
type swappableGenerator struct {
	client atomic.Pointer[upstream.Client]
}

func (g *swappableGenerator) StreamGenerate(ctx context.Context, credential, systemPrompt, prompt string, fn upstream.ChunkFunc) error {
	return g.client.Load().StreamGenerate(ctx, credential, systemPrompt, prompt, fn)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pagebriefd %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logPath, err := cfg.LogPath("pagebriefd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		FilePath: logPath,
		Level:    cfg.Log.Level,
		Console:  true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not open log file: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	statePath, err := config.StatePath()
	if err != nil {
		logger.Fatal("resolving state path", zap.Error(err))
	}
	st, err := store.Open(statePath)
	if err != nil {
		logger.Fatal("opening state database", zap.Error(err))
	}
	defer st.Close()

	gen := &swappableGenerator{}
	gen.client.Store(upstream.NewClient(upstreamConfig(cfg)))

	server := relay.NewServer(cfg.Relay.Addr, ratelimit.New(st), gen, logger)

	// Upstream settings apply on config save without a restart. The listen
	// address does not; that needs a new listener.
	if cfgPath, err := config.Path(); err == nil {
		watcher, err := config.Watch(cfgPath, func(next *config.Config) {
			gen.client.Store(upstream.NewClient(upstreamConfig(next)))
			logger.Info("config reloaded",
				zap.String("model", next.Upstream.Model),
				zap.Float64("temperature", next.Upstream.Temperature),
			)
			if next.Relay.Addr != cfg.Relay.Addr {
				logger.Warn("relay.addr changed; restart to apply",
					zap.String("current", cfg.Relay.Addr),
					zap.String("configured", next.Relay.Addr),
				)
			}
		})
		if err != nil {
			logger.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logger.Info("shutting down", zap.String("signal", s.String()))
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting pagebriefd",
		zap.String("version", Version),
		zap.String("addr", cfg.Relay.Addr),
		zap.String("model", cfg.Upstream.Model),
	)
	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func upstreamConfig(cfg *config.Config) upstream.Config {
	return upstream.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		Model:           cfg.Upstream.Model,
		Temperature:     cfg.Upstream.Temperature,
		MaxOutputTokens: cfg.Upstream.MaxOutputTokens,
	}
}
