package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/warelink/warelink/internal/observability"
	"github.com/warelink/warelink/internal/tracker"
)

func main() {
	_ = godotenv.Load()
	observability.InitLogger("trackerd")

	cfg := tracker.DefaultConfig()
	if path := configPath(); path != "" {
		loaded, err := loadTrackerConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trackerd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := tracker.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "trackerd: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return os.Getenv("WARELINK_TRACKER_CONFIG")
}
