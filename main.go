// pagebrief - summarize and question web pages from the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/jeranaias/pagebrief/internal/config"
	"github.com/jeranaias/pagebrief/internal/content"
	"github.com/jeranaias/pagebrief/internal/logging"
	"github.com/jeranaias/pagebrief/internal/ratelimit"
	"github.com/jeranaias/pagebrief/internal/session"
	"github.com/jeranaias/pagebrief/internal/store"
	"github.com/jeranaias/pagebrief/internal/ui"
	"github.com/jeranaias/pagebrief/internal/upstream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		setKey      = flag.Bool("set-key", false, "prompt for and store the API key")
		checkKey    = flag.Bool("check-key", false, "validate the stored API key against the API")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("pagebrief %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("Error: %v", err)
	}

	switch {
	case *setKey:
		runSetKey(cfg)
	case *checkKey:
		runCheckKey(cfg)
	default:
		target := flag.Arg(0)
		if target == "" {
			usage()
			os.Exit(2)
		}
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			target = "https://" + target
		}
		runReader(cfg, target)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: pagebrief [flags] <url>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openStore opens the shared state database.
func openStore() *store.Store {
	path, err := config.StatePath()
	if err != nil {
		fatalf("Error: %v", err)
	}
	st, err := store.Open(path)
	if err != nil {
		fatalf("Error: could not open state database: %v", err)
	}
	return st
}

// =============================================================================
// KEY MANAGEMENT
// =============================================================================

func runSetKey(cfg *config.Config) {
	fmt.Print("Enter your API key: ")
	var key string
	if _, err := fmt.Scanln(&key); err != nil || strings.TrimSpace(key) == "" {
		fatalf("Error: no key entered")
	}
	key = strings.TrimSpace(key)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client := upstream.NewClient(upstream.Config{BaseURL: cfg.Upstream.BaseURL, Model: cfg.Upstream.Model})
	if err := client.ValidateKey(ctx, key); err != nil {
		if upstream.IsInvalidKey(err) {
			fatalf("Error: the API rejected this key")
		}
		fatalf("Error: could not validate key: %v", err)
	}

	st := openStore()
	defer st.Close()
	if err := st.Set(ctx, store.KeyAPIKey, key); err != nil {
		fatalf("Error: could not store key: %v", err)
	}
	if err := st.Set(ctx, store.KeyOnboardingComplete, "true"); err != nil {
		fatalf("Error: could not store onboarding state: %v", err)
	}
	fmt.Println("Key validated and stored.")
}

func runCheckKey(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	st := openStore()
	defer st.Close()

	key, ok, err := st.Get(ctx, store.KeyAPIKey)
	if err != nil {
		fatalf("Error: %v", err)
	}
	if !ok || key == "" {
		fatalf("No API key is stored. Run pagebrief --set-key first.")
	}

	client := upstream.NewClient(upstream.Config{BaseURL: cfg.Upstream.BaseURL, Model: cfg.Upstream.Model})
	if err := client.ValidateKey(ctx, key); err != nil {
		if upstream.IsInvalidKey(err) {
			fatalf("The API rejected the stored key. Update it with pagebrief --set-key.")
		}
		fatalf("Error: could not validate key: %v", err)
	}
	fmt.Println("Stored key is valid.")
}

// =============================================================================
// READER
// =============================================================================

func runReader(cfg *config.Config, target string) {
	logPath, err := cfg.LogPath("pagebrief")
	if err != nil {
		fatalf("Error: %v", err)
	}
	logger, err := logging.New(logging.Options{FilePath: logPath, Level: cfg.Log.Level})
	if err != nil {
		fatalf("Error: could not open log file: %v", err)
	}
	defer logger.Sync()

	st := openStore()
	defer st.Close()

	limiter := ratelimit.New(st)

	ctrl := session.New(session.Config{
		Provider: content.NewHTTPProvider(cfg.Extract.UserAgent),
		Gate:     limiter,
		Opener:   session.ChannelOpener{BaseURL: "http://" + cfg.Relay.Addr},
		Credential: func(ctx context.Context) (string, bool) {
			key, ok, err := st.Get(ctx, store.KeyAPIKey)
			if err != nil || !ok {
				return "", false
			}
			return key, true
		},
		Target: target,
	})

	logger.Info("starting reader",
		zap.String("target", target),
		zap.String("relay", cfg.Relay.Addr))

	p := tea.NewProgram(
		ui.New(ctrl, target, cfg.UI.Theme),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		logger.Error("program failed", zap.Error(err))
		fatalf("Error running pagebrief: %v", err)
	}
}
