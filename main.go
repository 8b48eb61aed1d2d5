package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "backlogbot/app/configs"
	"backlogbot/app/core/funnel"
	"backlogbot/app/core/interaction/telegram"
	"backlogbot/app/core/session"
	"backlogbot/app/core/store"
	"backlogbot/app/core/weeek"
	"backlogbot/app/pkg/logger"
	"backlogbot/app/pkg/types"
)

func main() {
	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	if err := logger.Init(cfg.Storage.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Backlogbot starting...")

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("Task database ready at %s", st.Path())

	policy, err := session.LoadPolicy(cfg.Attachments.AllowListPath)
	if err != nil {
		logger.Error("Failed to load extension allow-list: %v", err)
		os.Exit(1)
	}

	client := weeek.NewClient(cfg.Weeek.BaseURL, cfg.Weeek.APIToken, weeek.Names{
		Project: cfg.Weeek.ProjectName,
		Board:   cfg.Weeek.BoardName,
		Column:  cfg.Weeek.ColumnName,
	})

	provisionCtx, cancelProvision := context.WithTimeout(context.Background(), 60*time.Second)
	remote, err := client.Provision(provisionCtx)
	cancelProvision()
	if err != nil {
		// Submissions must not be accepted with an unresolved remote context.
		logger.Error("Weeek provisioning failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Weeek provisioned: project %d, board %d", remote.ProjectID, remote.BoardID)

	if _, err := cfgManager.Update(func(c *config.Config) {
		c.Weeek.ProjectID = remote.ProjectID
		c.Weeek.BoardID = remote.BoardID
	}); err != nil {
		logger.Error("Failed to persist provisioned ids: %v", err)
	}

	sessions := session.NewManager(cfg.Storage.DataDir)

	channel := telegram.NewChannel(telegram.Config{
		BotToken:       cfg.Telegram.BotToken,
		APIRoot:        cfg.Telegram.APIRoot,
		PollInterval:   time.Duration(cfg.Telegram.PollIntervalSec) * time.Second,
		TimeoutSeconds: cfg.Telegram.TimeoutSec,
	})

	pipeline := funnel.New(st, sessions, policy, client, remote, channel, channel, cfg.Telegram.AdminChatID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := channel.Start(ctx, func(msg types.Message) {
			pipeline.Handle(ctx, msg)
		}); err != nil {
			logger.Error("Telegram channel crashed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Info("Backlogbot is ready to serve.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Shutting down...", sig)
	cancel()
}
