package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskflow/internal/clock"
	"taskflow/internal/metrics"
	"taskflow/internal/model"
	"taskflow/internal/notifier"
)

// SettingsStore is the storage the scheduler needs. ClaimDispatch must be a
// single atomic conditional write.
type SettingsStore interface {
	ListEnabled(ctx context.Context) ([]model.NotificationSettings, error)
	ClaimDispatch(ctx context.Context, settingsID uint, now, dayStart time.Time) (bool, error)
	ReleaseDispatch(ctx context.Context, settingsID uint, claimedAt time.Time, previous *time.Time) error
}

// Result is the outcome of evaluating one user in one tick.
type Result string

const (
	ResultSent        Result = "sent"
	ResultNotDue      Result = "not_due"
	ResultAlreadySent Result = "already_sent"
	ResultEmpty       Result = "empty"
	ResultNoChat      Result = "no_chat"
	ResultNoToken     Result = "no_token"
	ResultClaimLost   Result = "claim_lost"
	ResultFailed      Result = "failed"
	ResultError       Result = "error"
)

// TickReport summarizes one tick.
type TickReport struct {
	ID        string
	At        time.Time
	Evaluated int
	Results   map[Result]int
	Err       error
}

// SchedulerConfig tunes DigestScheduler.
type SchedulerConfig struct {
	// DefaultBotToken is used for users without their own token.
	DefaultBotToken string
	Location        *time.Location
	SendTimeout     time.Duration
	TickTimeout     time.Duration
	Workers         int
}

// DigestScheduler decides, once per tick, which users are due for their
// daily digest and sends it at most once per local calendar day.
type DigestScheduler struct {
	settings SettingsStore
	digests  *DigestService
	notifier notifier.Notifier
	clock    clock.Clock
	cfg      SchedulerConfig
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewDigestScheduler(settings SettingsStore, digests *DigestService, n notifier.Notifier, clk clock.Clock, cfg SchedulerConfig, log zerolog.Logger, m *metrics.Metrics) *DigestScheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 50 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &DigestScheduler{
		settings: settings,
		digests:  digests,
		notifier: n,
		clock:    clk,
		cfg:      cfg,
		log:      log.With().Str("component", "digest").Logger(),
		metrics:  m,
	}
}

// Run drives ticks from driver until ctx is cancelled.
func (s *DigestScheduler) Run(ctx context.Context, driver TickDriver) error {
	err := driver.Start(func() {
		tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
		s.Tick(tickCtx)
	})
	if err != nil {
		return err
	}
	s.log.Info().Msg("digest scheduler started")
	<-ctx.Done()
	driver.Stop()
	s.log.Info().Msg("digest scheduler stopped")
	return nil
}

// Tick evaluates every user with notifications enabled. Failures of one
// user are logged and never stop the others.
func (s *DigestScheduler) Tick(ctx context.Context) TickReport {
	start := time.Now()
	now := s.clock.Now().In(s.cfg.Location)
	report := TickReport{
		ID:      uuid.NewString(),
		At:      now,
		Results: make(map[Result]int),
	}
	log := s.log.With().Str("tick", report.ID).Logger()
	defer func() { s.metrics.ObserveTick(time.Since(start)) }()

	list, err := s.settings.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("load notification settings")
		report.Err = err
		return report
	}

	jobs := make(chan model.NotificationSettings)
	results := make(chan Result)
	var wg sync.WaitGroup
	workers := s.cfg.Workers
	if workers > len(list) {
		workers = len(list)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for settings := range jobs {
				results <- s.safeEvaluate(ctx, settings, now, log)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, settings := range list {
			select {
			case jobs <- settings:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		report.Evaluated++
		report.Results[res]++
		s.metrics.Dispatch(string(res))
	}

	if sent := report.Results[ResultSent]; sent > 0 || report.Results[ResultFailed] > 0 {
		log.Info().
			Int("evaluated", report.Evaluated).
			Int("sent", sent).
			Int("failed", report.Results[ResultFailed]).
			Msg("digest tick finished")
	}
	return report
}

func (s *DigestScheduler) safeEvaluate(ctx context.Context, settings model.NotificationSettings, now time.Time, log zerolog.Logger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint("user_id", settings.UserID).Interface("panic", r).Msg("digest evaluation panicked")
			res = ResultError
		}
	}()
	return s.Evaluate(ctx, settings, now)
}

// Evaluate runs the per-user state machine for one tick at now.
func (s *DigestScheduler) Evaluate(ctx context.Context, settings model.NotificationSettings, now time.Time) Result {
	log := s.log.With().Uint("user_id", settings.UserID).Logger()
	now = now.In(s.cfg.Location)

	if !s.due(settings, now, log) {
		return ResultNotDue
	}
	if settings.LastSentAt != nil && clock.SameDay(*settings.LastSentAt, now, s.cfg.Location) {
		return ResultAlreadySent
	}

	chatID := strings.TrimSpace(settings.TelegramChatID)
	if chatID == "" {
		log.Warn().Msg("digest due but no telegram chat id configured")
		return ResultNoChat
	}
	token := strings.TrimSpace(settings.TelegramBotToken)
	if token == "" {
		token = s.cfg.DefaultBotToken
	}
	if token == "" {
		log.Warn().Msg("digest due but no bot token available")
		return ResultNoToken
	}

	digest, err := s.digests.Build(ctx, settings.UserID, now)
	if err != nil {
		log.Error().Err(err).Msg("build digest")
		return ResultError
	}
	if digest.Empty() {
		log.Debug().Msg("nothing to report")
		return ResultEmpty
	}
	text := Compose(digest, s.cfg.Location)

	won, err := s.settings.ClaimDispatch(ctx, settings.ID, now, clock.StartOfDay(now))
	if err != nil {
		log.Error().Err(err).Msg("claim dispatch")
		return ResultError
	}
	if !won {
		return ResultClaimLost
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err = s.notifier.Send(sendCtx, token, chatID, text)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("reason", notifier.Reason(err)).Msg("digest delivery failed")
		// The release must outlive a cancelled tick context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.settings.ReleaseDispatch(releaseCtx, settings.ID, now, settings.LastSentAt); err != nil {
			log.Error().Err(err).Msg("release dispatch claim")
		}
		return ResultFailed
	}

	log.Info().
		Int("due_today", len(digest.DueToday)).
		Int("upcoming", len(digest.Upcoming)).
		Int("high_no_date", len(digest.HighPriorityNoDate)).
		Msg("digest sent")
	return ResultSent
}

// due reports whether now is the configured minute for today's weekday.
func (s *DigestScheduler) due(settings model.NotificationSettings, now time.Time, log zerolog.Logger) bool {
	if !settings.Enabled {
		return false
	}
	slot := settings.Week().Day(now.Weekday())
	if !slot.Enabled || slot.Time == "" {
		return false
	}
	at, err := model.ParseClock(slot.Time)
	if err != nil {
		log.Warn().Err(err).Str("day", now.Weekday().String()).Msg("invalid digest time")
		return false
	}
	return at == now.Format("15:04")
}

// String is used in logs and the CLI.
func (r TickReport) String() string {
	if r.Err != nil {
		return fmt.Sprintf("tick %s at %s failed: %v", r.ID, r.At.Format(time.RFC3339), r.Err)
	}
	return fmt.Sprintf("tick %s at %s: evaluated=%d sent=%d failed=%d skipped=%d",
		r.ID, r.At.Format(time.RFC3339), r.Evaluated, r.Results[ResultSent], r.Results[ResultFailed],
		r.Evaluated-r.Results[ResultSent]-r.Results[ResultFailed])
}
