package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xaenox/chatbot-api/internal/llm"
	"github.com/xaenox/chatbot-api/internal/storage"
	"github.com/xaenox/chatbot-api/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app carries what every subcommand needs after the root command has
// loaded the configuration.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "chatbot",
		Short:         "Telegram bot that answers prompts with a local LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "Config file path (optional).")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newModelsCmd(a))

	return cmd
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

func (a *app) storageConfig() storage.DatabaseConfig {
	db := a.cfg.Database
	return storage.DatabaseConfig{
		Driver:          db.Driver,
		URL:             db.URL,
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		DBName:          db.DBName,
		SSLMode:         db.SSLMode,
		Path:            db.Path,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	}
}

func (a *app) llmClient() *llm.Client {
	return llm.NewClient(llm.Config{
		BaseURL:      a.cfg.LLM.BaseURL,
		Protocol:     a.cfg.LLM.Protocol,
		SystemPrompt: a.cfg.LLM.SystemPrompt,
		Timeout:      a.cfg.LLM.Timeout,
	}, a.logger)
}
