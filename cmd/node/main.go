package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"trusttoken/internal/app"
	"trusttoken/internal/config"
	"trusttoken/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "optional path to a TOML config file")
	refill := flag.Bool("refill", false, "enable token refill role")
	metrics := flag.Bool("metrics", false, "enable prometheus metrics endpoint")
	flag.Parse()

	app.RestrictFileMode()

	settings, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.Setup("trusttoken-node", settings.Env, settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeCfg := app.Config{
		Settings: settings,
		Logger:   logger,
		Roles: app.Roles{
			Refill:  *refill,
			Metrics: *metrics,
		},
	}

	if !nodeCfg.Roles.Any() {
		log.Fatal("no role selected; pass one or more of --refill --metrics")
	}

	if err := app.Run(ctx, nodeCfg); err != nil {
		log.Fatal(err)
	}
}
