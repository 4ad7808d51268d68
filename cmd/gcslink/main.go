package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/browser"

	"gcslink/internal/config"
)

func main() {
	var configPath string
	var tlogSummary string
	var openUI bool
	flag.StringVar(&configPath, "config", "./gcslink.yaml", "Path to YAML config")
	flag.StringVar(&tlogSummary, "tlog-summary", "", "Print a summary of a recorded telemetry log and exit")
	flag.BoolVar(&openUI, "open", false, "Open the operator page in the default browser")
	flag.Parse()

	if tlogSummary != "" {
		if err := printTLogSummary(tlogSummary); err != nil {
			fmt.Fprintf(os.Stderr, "tlog summary failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	a, err := newApp(cfg, configPath, os.Stderr)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	slog.SetDefault(a.log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a.log.Info("gcslink starting", "config", configPath, "endpoint", cfg.Link.Endpoint, "auto_connect", cfg.Link.AutoConnect)
	if openUI && cfg.Web.Enable {
		go func() {
			u := operatorURL(cfg.Web.Listen)
			if err := browser.OpenURL(u); err != nil {
				a.log.Warn("opening browser failed", "url", u, "error", err)
			}
		}()
	}
	runErr := a.Run(ctx)
	a.log.Info("gcslink stopping")
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "gcslink: %v\n", runErr)
		os.Exit(1)
	}
}
