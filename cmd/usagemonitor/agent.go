package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/rygel/aiusagemonitor/internal/api"
	"github.com/rygel/aiusagemonitor/internal/config"
	"github.com/rygel/aiusagemonitor/internal/discovery"
	"github.com/rygel/aiusagemonitor/internal/notify"
	"github.com/rygel/aiusagemonitor/internal/probe"
	"github.com/rygel/aiusagemonitor/internal/probe/providers"
	"github.com/rygel/aiusagemonitor/internal/registry"
	"github.com/rygel/aiusagemonitor/internal/scheduler"
	"github.com/rygel/aiusagemonitor/internal/store"
	"github.com/rygel/aiusagemonitor/internal/wshub"
	"github.com/rygel/aiusagemonitor/pkg/metrics"
)

// preferredPort is the first port HTTPService tries to bind, matching the
// teacher's own frontend port convention of a single well-known default.
const preferredPort = 5340

// systemProviderIDs names probes worth warming even without a configured
// credential: windsurf's companion-process probe carries its own local
// auth (a CSRF token read off the running process), not an API key.
var systemProviderIDs = []string{"windsurf"}

func runAgent() {
	initLogger()

	dataDir := dataDirectory()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Fatal().Err(err).Str("path", dataDir).Msg("create data directory failed")
	}

	reg, err := registry.New(registry.WellKnown())
	if err != nil {
		log.Fatal().Err(err).Msg("build provider registry failed")
	}

	cfgStore, err := config.Open(filepath.Join(dataDir, "config.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("open config store failed")
	}

	usageStore, err := store.Open(filepath.Join(dataDir, "usage.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open usage store failed")
	}
	defer usageStore.Close()

	disc := discovery.New(reg)
	if discovered := disc.Discover(); len(discovered) > 0 {
		if err := cfgStore.MergeDiscovered(discovered); err != nil {
			log.Warn().Err(err).Msg("startup credential discovery merge failed")
		}
	}

	watchPaths := []string{filepath.Join(dataDir, "config.json"), discovery.ManifestPath()}
	if watcher, err := config.NewWatcher(watchPaths, func() {
		if err := cfgStore.Reload(); err != nil {
			log.Warn().Err(err).Msg("config reload after on-disk change failed")
			return
		}
		if discovered := disc.Discover(); len(discovered) > 0 {
			if err := cfgStore.MergeDiscovered(discovered); err != nil {
				log.Warn().Err(err).Msg("manifest merge after on-disk change failed")
			}
		}
		log.Info().Msg("config reloaded from disk")
	}); err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
	} else {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		defer watchCancel()
		go watcher.Run(watchCtx)
	}

	probes := buildProbes()

	interval := scheduler.DefaultInterval
	if refreshIntervalMins > 0 {
		interval = time.Duration(refreshIntervalMins) * time.Minute
	}

	sink := notify.Sink(notify.LogSink{})

	sched := scheduler.New(reg, disc, cfgStore, usageStore, sink, probes, systemProviderIDs, interval)

	collectors := metrics.New(prometheus.DefaultRegisterer)
	sched.SetMetrics(collectors)

	hub := wshub.NewHub(func() interface{} {
		rows, err := usageStore.LatestPerProvider(context.Background(), false)
		if err != nil {
			return nil
		}
		return rows
	})
	go hub.Run()
	sched.SetBroadcaster(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	listener, port, err := api.ListenLoopback(preferredPort)
	if err != nil {
		log.Fatal().Err(err).Msg("bind loopback listener failed")
	}

	server := api.NewServer(reg, cfgStore, usageStore, sched, disc, sink, hub, prometheus.DefaultGatherer, port, debugMode)

	httpServer := &http.Server{
		Handler:      server.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	writeHandshake(port)

	go func() {
		log.Info().Int("port", port).Msg("usage monitor listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sigChan

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	cancel()
	sched.Stop()

	log.Info().Msg("usage monitor stopped")
}

func buildProbes() map[string]probe.Probe {
	return map[string]probe.Probe{
		"anthropic":          &providers.AnthropicProbe{},
		"openai":             &providers.OpenAIProbe{},
		"openrouter":         &providers.OpenRouterProbe{},
		"github-copilot":     &providers.GitHubCopilotProbe{},
		"gemini-code-assist": &providers.GeminiCodeAssistProbe{},
		"windsurf":           &providers.WindsurfProbe{},
	}
}

func dataDirectory() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, api.AgentName)
}

func writeHandshake(port int) {
	doc := api.NewHandshakeDoc(port, debugMode, nil)
	if err := api.WriteHandshakeFile(doc, api.PrimaryHandshakePath(), api.LegacyHandshakePath()); err != nil {
		log.Warn().Err(err).Msg("write handshake file failed")
	}
}
