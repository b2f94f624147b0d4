// Command presence-agent keeps one subject online against a presence
// service and logs the online set as it changes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"

	"chorus/presence-service/client"
	"chorus/presence-service/config"
	"chorus/presence-service/scheduler"
	"chorus/presence-service/utils"
)

func main() {
	cfg := config.LoadAgentConfig()
	logger := utils.NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	session, err := client.NewTokenSession(cfg.AccessToken)
	if err != nil {
		logger.Fatal("No usable session, not starting", "error", err)
	}

	presence, err := client.New(cfg.ServerURL, session, nil, logger)
	if err != nil {
		logger.Fatal("Failed to create presence client", "error", err)
	}

	sched := scheduler.New(presence, scheduler.Options{
		Session:           session,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RefreshInterval:   cfg.RefreshInterval,
		RequestTimeout:    cfg.RequestTimeout,
		Changes:           presence,
		Clock:             quartz.NewReal(),
		Logger:            logger,
		OnUpdate: func(snap scheduler.Snapshot) {
			names := make([]string, len(snap.Users))
			for i, u := range snap.Users {
				names[i] = u.DisplayName
			}
			logger.Info("Online set refreshed", "count", len(snap.Users), "users", names)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start presence scheduler", "error", err)
	}
	logger.Info("Presence agent running", "server", cfg.ServerURL, "expires_at", session.ExpiresAt())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent...")
	session.End()
	sched.Stop()
	logger.Info("Agent exited")
}
