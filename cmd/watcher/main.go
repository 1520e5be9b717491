package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"streamlease/internal/app"
	"streamlease/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG")
	if cfgPath == "" {
		cfgPath = "cmd/watcher/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed load config, error=%v", err)
	}

	if err = app.Run(cfg); err != nil {
		log.Fatalf("App run is failed, error=%v", err)
	}
}
