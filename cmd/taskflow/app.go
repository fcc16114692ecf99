package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"taskflow/internal/clock"
	"taskflow/internal/config"
	"taskflow/internal/logging"
	"taskflow/internal/metrics"
	"taskflow/internal/notifier"
	"taskflow/internal/repository"
	"taskflow/internal/service"
)

// app holds the wired dependencies shared by every subcommand.
type app struct {
	cfg config.Config
	log zerolog.Logger
	db  *gorm.DB

	users      *repository.UserRepository
	categories *repository.CategoryRepository
	tasks      *repository.TaskRepository
	settings   *repository.SettingsRepository

	metrics   *metrics.Metrics
	taskSvc   *service.TaskService
	digests   *service.DigestService
	settingsS *service.SettingsService
	scheduler *service.DigestScheduler
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := repository.NewDB(cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		users:      repository.NewUserRepository(db),
		categories: repository.NewCategoryRepository(db),
		tasks:      repository.NewTaskRepository(db),
		settings:   repository.NewSettingsRepository(db),
		metrics:    metrics.New(),
	}

	tg := notifier.NewTelegram(notifier.TelegramConfig{
		Timeout:    cfg.SendTimeout,
		RatePerSec: cfg.SendRatePerSec,
	})

	a.taskSvc = service.NewTaskService(a.tasks, a.categories, a.users, log, a.metrics)
	a.digests = service.NewDigestService(a.tasks, cfg.UpcomingWindow())
	a.settingsS = service.NewSettingsService(a.settings, tg, cfg.TelegramToken, cfg.SendTimeout, log)
	a.scheduler = service.NewDigestScheduler(a.settings, a.digests, tg, clock.Real{Location: cfg.Location}, service.SchedulerConfig{
		DefaultBotToken: cfg.TelegramToken,
		Location:        cfg.Location,
		SendTimeout:     cfg.SendTimeout,
		TickTimeout:     cfg.TickTimeout,
		Workers:         cfg.FanoutWorkers,
	}, log, a.metrics)

	return a, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
