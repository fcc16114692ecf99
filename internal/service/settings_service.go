package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/model"
	"taskflow/internal/notifier"
	"taskflow/internal/repository"
)

var (
	ErrNoChat  = errors.New("no telegram chat linked")
	ErrNoToken = errors.New("no bot token configured")
)

// SettingsService edits a user's digest settings.
type SettingsService struct {
	repo         *repository.SettingsRepository
	notifier     notifier.Notifier
	defaultToken string
	sendTimeout  time.Duration
	log          zerolog.Logger
}

func NewSettingsService(repo *repository.SettingsRepository, n notifier.Notifier, defaultToken string, sendTimeout time.Duration, log zerolog.Logger) *SettingsService {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &SettingsService{
		repo:         repo,
		notifier:     n,
		defaultToken: defaultToken,
		sendTimeout:  sendTimeout,
		log:          log.With().Str("component", "settings").Logger(),
	}
}

// Load returns the stored settings or unsaved defaults.
func (s *SettingsService) Load(ctx context.Context, userID uint) (*model.NotificationSettings, error) {
	settings, err := s.repo.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		def := model.DefaultSettings(userID)
		return &def, nil
	}
	return settings, err
}

func (s *SettingsService) update(ctx context.Context, userID uint, change func(*model.NotificationSettings) error) (*model.NotificationSettings, error) {
	settings, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := change(settings); err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// LinkChat stores chatID as the digest destination unless one is already set.
func (s *SettingsService) LinkChat(ctx context.Context, userID uint, chatID string) (*model.NotificationSettings, error) {
	return s.update(ctx, userID, func(settings *model.NotificationSettings) error {
		if strings.TrimSpace(settings.TelegramChatID) == "" {
			settings.TelegramChatID = chatID
		}
		return nil
	})
}

// SetChat overwrites the digest destination (numeric id or @channel).
func (s *SettingsService) SetChat(ctx context.Context, userID uint, chatID string) (*model.NotificationSettings, error) {
	return s.update(ctx, userID, func(settings *model.NotificationSettings) error {
		settings.TelegramChatID = strings.TrimSpace(chatID)
		return nil
	})
}

func (s *SettingsService) SetEnabled(ctx context.Context, userID uint, on bool) (*model.NotificationSettings, error) {
	return s.update(ctx, userID, func(settings *model.NotificationSettings) error {
		if on && strings.TrimSpace(settings.TelegramChatID) == "" {
			return ErrNoChat
		}
		settings.Enabled = on
		return nil
	})
}

// SetDay changes one weekday. An empty at keeps the current time.
func (s *SettingsService) SetDay(ctx context.Context, userID uint, day time.Weekday, at string, enabled bool) (*model.NotificationSettings, error) {
	return s.update(ctx, userID, func(settings *model.NotificationSettings) error {
		slot := settings.Week().Day(day)
		if at != "" {
			clock, err := model.ParseClock(at)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			slot.Time = clock
		}
		slot.Enabled = enabled
		settings.SetDay(day, slot)
		return nil
	})
}

// SetToken sets a personal bot token; an empty token reverts to the default bot.
func (s *SettingsService) SetToken(ctx context.Context, userID uint, token string) (*model.NotificationSettings, error) {
	return s.update(ctx, userID, func(settings *model.NotificationSettings) error {
		settings.TelegramBotToken = strings.TrimSpace(token)
		return nil
	})
}

// SendTest sends notifier.TestMessage with the same token and chat the
// digest would use.
func (s *SettingsService) SendTest(ctx context.Context, userID uint) error {
	settings, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	chatID := strings.TrimSpace(settings.TelegramChatID)
	if chatID == "" {
		return ErrNoChat
	}
	token := strings.TrimSpace(settings.TelegramBotToken)
	if token == "" {
		token = s.defaultToken
	}
	if token == "" {
		return ErrNoToken
	}

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.notifier.Send(ctx, token, chatID, notifier.TestMessage); err != nil {
		s.log.Warn().Err(err).Uint("user_id", userID).Msg("test notification failed")
		return err
	}
	return nil
}
