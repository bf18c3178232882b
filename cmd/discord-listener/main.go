package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mailbot.local/orchestrator/internal/config"
	"mailbot.local/orchestrator/internal/discord"
)

func main() {
	logger := log.New(os.Stdout, "discord-listener ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg := config.ListenerFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	listener := discord.NewListener(cfg, logger, nil)
	if err := listener.Start(context.Background()); err != nil {
		logger.Fatalf("failed to start discord listener: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := listener.Stop(); err != nil {
		logger.Printf("listener stop error: %v", err)
	}
}
