package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/chatbot-api/internal/bot"
	"github.com/xaenox/chatbot-api/internal/server"
	"github.com/xaenox/chatbot-api/internal/storage"
	"github.com/xaenox/chatbot-api/internal/tasks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the model warm-up job and the health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if err := a.cfg.Validate(true); err != nil {
		return err
	}
	logger := a.logger

	store, err := storage.New(a.storageConfig(), logger)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return err
	}
	defer store.Close()

	client := a.llmClient()
	sup := tasks.NewSupervisor(logger)

	scheduler, err := tasks.NewScheduler(tasks.SchedulerConfig{
		Model:       a.cfg.LLM.DefaultModel,
		Interval:    a.cfg.LLM.WarmupInterval,
		PullTimeout: a.cfg.LLM.PullTimeout,
	}, client, sup, logger)
	if err != nil {
		return err
	}

	api, err := bot.NewAPI(a.cfg.Telegram.Token, a.cfg.Telegram.Debug)
	if err != nil {
		logger.Error("Failed to create bot", zap.Error(err))
		return err
	}
	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))

	b := bot.New(api, store, client, sup, bot.Config{
		DefaultModel: a.cfg.LLM.DefaultModel,
		PromptModel:  a.cfg.LLM.PromptModel,
		PollTimeout:  a.cfg.Telegram.PollTimeout,
		PullTimeout:  a.cfg.LLM.PullTimeout,
	}, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Run(gCtx)
	})

	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return err
		}
		<-gCtx.Done()
		return scheduler.Stop()
	})

	if addr := a.cfg.Server.Addr; addr != "" {
		srv := server.New(store, client, logger)
		g.Go(func() error {
			return srv.Run(gCtx, addr)
		})
	}

	logger.Info("Bot running, waiting for shutdown signal")
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := sup.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("Background tasks did not stop in time", zap.Error(serr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Bot stopped due to error", zap.Error(err))
		return err
	}

	logger.Info("Bot stopped gracefully")
	return nil
}
