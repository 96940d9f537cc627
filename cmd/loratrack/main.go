package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"loratrack/internal/config"
	"loratrack/internal/web"
)

func main() {
	var configPath string
	var summarizePath string
	flag.StringVar(&configPath, "config", "./configs/loratrack.yaml", "Path to YAML config")
	flag.StringVar(&summarizePath, "summarize", "", "Print a summary of a modem capture file and exit")
	flag.Parse()

	if summarizePath != "" {
		if err := printCaptureSummary(os.Stdout, summarizePath); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("loratrack starting mode=%s interval=%s web=%s", rt.mode, cfg.Telemetry.Interval, cfg.Web.Listen)
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("runtime start failed: %v", err)
	}

	notifySystemd(sdReady)
	go runWatchdog(ctx)

	err = web.Serve(ctx, cfg.Web.Listen, rt.status, logs)
	notifySystemd(sdStopping)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("web server stopped: %v", err)
		cancel()
	}
	log.Printf("loratrack stopping")
}
