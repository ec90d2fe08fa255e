package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/bridge"
	"github.com/warelink/warelink/internal/gateway"
	"github.com/warelink/warelink/internal/observability"
)

func main() {
	_ = godotenv.Load()
	observability.InitLogger("gatewayd")

	bridgeCfg := bridge.DefaultConfig()
	gatewayCfg := gateway.DefaultConfig()
	if path := configPath(); path != "" {
		var err error
		bridgeCfg, gatewayCfg, err = loadGatewayConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := bridge.NewClient(bridgeCfg)
	defer client.Close()
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("gatewayd bridge stopped")
			stop()
		}
	}()

	srv := gateway.NewServer(gatewayCfg, client)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return os.Getenv("WARELINK_GATEWAY_CONFIG")
}
