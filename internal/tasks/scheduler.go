package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/xaenox/chatbot-api/internal/llm"
	"go.uber.org/zap"
)

// PullTaskName is the supervisor key for pulling model.
func PullTaskName(model string) string {
	return "pull:" + model
}

// EnsureModel pulls model in the background when the backend does not list
// it. It returns true when the model is already present.
func EnsureModel(ctx context.Context, gw llm.Gateway, sup *Supervisor, model string, pullTimeout time.Duration) (bool, error) {
	models, err := gw.ListModels(ctx)
	if err != nil {
		return false, err
	}
	if llm.HasModel(models, model) {
		return true, nil
	}

	SubmitPull(gw, sup, model, pullTimeout)
	return false, nil
}

// SubmitPull hands a pull of model to the supervisor. Concurrent submissions
// for the same model collapse into one pull.
func SubmitPull(gw llm.Gateway, sup *Supervisor, model string, pullTimeout time.Duration) bool {
	return sup.Go(PullTaskName(model), func(ctx context.Context) error {
		if pullTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, pullTimeout)
			defer cancel()
		}

		accepted, err := gw.PullModel(ctx, model)
		if err != nil {
			return fmt.Errorf("pull %s: %w", model, err)
		}
		if !accepted {
			return fmt.Errorf("pull %s: request rejected by backend", model)
		}
		return nil
	})
}

// Scheduler periodically makes sure the default model is downloaded.
type Scheduler struct {
	scheduler gocron.Scheduler
	gateway   llm.Gateway
	sup       *Supervisor
	logger    *zap.Logger

	model       string
	interval    time.Duration
	pullTimeout time.Duration
	started     bool
}

type SchedulerConfig struct {
	Model       string
	Interval    time.Duration
	PullTimeout time.Duration
}

func NewScheduler(cfg SchedulerConfig, gw llm.Gateway, sup *Supervisor, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("scheduler")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(NewGocronLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		scheduler:   s,
		gateway:     gw,
		sup:         sup,
		logger:      logger,
		model:       cfg.Model,
		interval:    cfg.Interval,
		pullTimeout: cfg.PullTimeout,
	}, nil
}

// Start registers the warm-up job, runs it once immediately and starts the
// scheduler. A zero interval disables the job.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("Model warm-up disabled")
		return nil
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.warmUp),
		gocron.WithName("model-warmup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule model warm-up: %w", err)
	}

	s.scheduler.Start()
	s.started = true
	s.logger.Info("Model warm-up scheduled",
		zap.String("model", s.model),
		zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) Stop() error {
	if !s.started {
		return nil
	}
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) warmUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	present, err := EnsureModel(ctx, s.gateway, s.sup, s.model, s.pullTimeout)
	if err != nil {
		s.logger.Warn("Model warm-up failed", zap.String("model", s.model), zap.Error(err))
		return
	}
	if !present {
		s.logger.Info("Default model missing, pull submitted", zap.String("model", s.model))
	}
}

// gocronLogger forwards gocron's key/value logging to zap.
type gocronLogger struct {
	logger *zap.SugaredLogger
}

func NewGocronLogger(logger *zap.Logger) gocron.Logger {
	return &gocronLogger{logger: logger.Sugar()}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.logger.Debugw(msg, args...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.logger.Infow(msg, args...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.logger.Warnw(msg, args...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.logger.Errorw(msg, args...) }
