package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/callconsole/internal/banner"
	"github.com/sebas/callconsole/internal/console/app"
	"github.com/sebas/callconsole/internal/console/config"
	"github.com/sebas/callconsole/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize logger
	logger.SetLevel(cfg.LogLevel)
	logger.InitLogger(os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	console, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create call console", "error", err)
		os.Exit(1)
	}

	banner.Print(os.Stdout, "Call Console", bannerLines(cfg, console))

	// Cancel on signal; Run tears calls down and unregisters on the way out.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := console.Run(ctx); err != nil {
		slog.Error("Call console stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Call console stopped")
}

func bannerLines(cfg *config.Config, console *app.Console) []banner.ConfigLine {
	lines := []banner.ConfigLine{
		{Label: "Agent", Value: cfg.AgentID},
		{Label: "Role", Value: cfg.Role},
		{Label: "Signaling", Value: cfg.SIP.Mode},
	}
	if cfg.SIP.Mode == config.ModeSIP {
		lines = append(lines,
			banner.ConfigLine{Label: "Registrar", Value: cfg.SIP.Registrar},
			banner.ConfigLine{Label: "SIP Listen", Value: cfg.SIP.Transport + " " + cfg.SIP.BindHost + ":" + strconv.Itoa(cfg.SIP.Port)},
			banner.ConfigLine{Label: "Advertise", Value: cfg.SIP.AdvertiseHost},
		)
	}
	feed := cfg.Feed.URL
	if cfg.Role == config.RoleSupervisor || feed == "" {
		feed = cfg.Feed.NATSURL
	}
	lines = append(lines,
		banner.ConfigLine{Label: "Call Feed", Value: feed},
		banner.ConfigLine{Label: "Push", Value: cfg.Push.RedisAddr},
		banner.ConfigLine{Label: "HTTP API", Value: console.HTTPAddr()},
		banner.ConfigLine{Label: "gRPC Health", Value: console.HealthAddr()},
		banner.ConfigLine{Label: "API Token", Value: banner.Redact(cfg.Auth.APIToken)},
		banner.ConfigLine{Label: "Log Level", Value: logger.GetLevel()},
	)
	return lines
}
