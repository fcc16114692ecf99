package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/notifier"
	"taskflow/internal/repository"
)

func newSettingsService(t *testing.T, n notifier.Notifier, defaultToken string) *SettingsService {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.NewDB(fmt.Sprintf("file:settings_%s?mode=memory&cache=shared", name), zerolog.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = repository.NewUserRepository(db).UpsertFromTelegram(context.Background(), 42, "Ann", "", "ann")
	require.NoError(t, err)
	return NewSettingsService(repository.NewSettingsRepository(db), n, defaultToken, time.Second, zerolog.Nop())
}

func TestSettingsService_Defaults(t *testing.T) {
	svc := newSettingsService(t, &recordingNotifier{}, "")
	settings, err := svc.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.Equal(t, "08:00", settings.MondayTime)
	assert.Equal(t, "09:00", settings.SundayTime)
	assert.Zero(t, settings.ID, "defaults are not persisted by Load")
}

func TestSettingsService_Edit(t *testing.T) {
	ctx := context.Background()
	svc := newSettingsService(t, &recordingNotifier{}, "")

	_, err := svc.SetEnabled(ctx, 1, true)
	assert.ErrorIs(t, err, ErrNoChat)

	_, err = svc.LinkChat(ctx, 1, "42")
	require.NoError(t, err)
	settings, err := svc.LinkChat(ctx, 1, "43")
	require.NoError(t, err)
	assert.Equal(t, "42", settings.TelegramChatID, "linking never overwrites a chat")

	settings, err = svc.SetEnabled(ctx, 1, true)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)

	settings, err = svc.SetDay(ctx, 1, time.Tuesday, "7:05", true)
	require.NoError(t, err)
	assert.Equal(t, "07:05", settings.TuesdayTime)

	settings, err = svc.SetDay(ctx, 1, time.Sunday, "", false)
	require.NoError(t, err)
	assert.Equal(t, "09:00", settings.SundayTime)
	assert.False(t, settings.SundayEnabled)

	_, err = svc.SetDay(ctx, 1, time.Monday, "25:00", true)
	assert.ErrorIs(t, err, ErrInvalidInput)

	settings, err = svc.SetChat(ctx, 1, "@team")
	require.NoError(t, err)
	assert.Equal(t, "@team", settings.TelegramChatID)

	reloaded, err := svc.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "07:05", reloaded.TuesdayTime)
	assert.True(t, reloaded.Enabled)
	assert.False(t, reloaded.SundayEnabled)
}

func TestSettingsService_SendTest(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	svc := newSettingsService(t, n, "")

	assert.ErrorIs(t, svc.SendTest(ctx, 1), ErrNoChat)

	_, err := svc.LinkChat(ctx, 1, "42")
	require.NoError(t, err)
	assert.ErrorIs(t, svc.SendTest(ctx, 1), ErrNoToken)

	_, err = svc.SetToken(ctx, 1, " own-token ")
	require.NoError(t, err)
	require.NoError(t, svc.SendTest(ctx, 1))
	require.Len(t, n.messages(), 1)
	assert.Equal(t, "own-token", n.messages()[0].Token)
	assert.Equal(t, notifier.TestMessage, n.messages()[0].Text)

	n.fail = map[string]error{"42": &notifier.DeliveryError{Reason: "Unauthorized"}}
	err = svc.SendTest(ctx, 1)
	assert.Equal(t, "Unauthorized", notifier.Reason(err))
}
