package main

import (
	"context"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"ceqpd/internal/app"
	"ceqpd/pkg/banner"
	"ceqpd/pkg/config"
	"ceqpd/pkg/logger"
	"ceqpd/pkg/shutdown"
)

// Build metadata (set via ldflags at build/release).
var version = "dev"

func main() {
	_ = godotenv.Load(".env") // load .env if present (no error if missing)

	addr, opsAddr, cfgPath, provider, pid, setFlags := config.ParseCommandFlags()

	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}
	config.ApplyEnvOverrides(cfg)

	// explicit flags win over file and env
	if setFlags["addr"] {
		if h, p, err := net.SplitHostPort(addr); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = addr
		}
	}
	if setFlags["ops"] {
		cfg.Ops.Enabled = opsAddr != ""
		cfg.Ops.Address = opsAddr
	}
	if setFlags["provider"] {
		cfg.Provider.Mode = provider
	}
	if setFlags["pid"] {
		cfg.Provider.PID = pid
		if !setFlags["provider"] {
			cfg.Provider.Mode = "pid"
		}
	}

	logger.InitWith(cfg.Logging.Level, cfg.Logging.Format)
	banner.Print(cfg, version)

	a, err := app.New(cfg, version)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()
	if err := a.Run(ctx); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
}
