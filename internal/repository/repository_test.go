package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"taskflow/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := NewDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), zerolog.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func mustUser(t *testing.T, repo *UserRepository, telegramID int64, username string) *model.User {
	t.Helper()
	user, err := repo.UpsertFromTelegram(context.Background(), telegramID, "First", "", username)
	require.NoError(t, err)
	return user
}

func TestUserRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository(newTestDB(t))

	first := mustUser(t, repo, 100, "alice")
	again, err := repo.UpsertFromTelegram(ctx, 100, "Alice", "Doe", "alice2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	found, err := repo.FindByTelegramID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "alice2", found.Username)

	byName, err := repo.FindByUsername(ctx, "ALICE2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byName.ID)

	_, err = repo.FindByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskRepository_Visibility(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	users := NewUserRepository(db)
	tasks := NewTaskRepository(db)
	categories := NewCategoryRepository(db)

	owner := mustUser(t, users, 1, "owner")
	assignee := mustUser(t, users, 2, "assignee")
	friend := mustUser(t, users, 3, "friend")
	teammate := mustUser(t, users, 4, "teammate")
	stranger := mustUser(t, users, 5, "stranger")

	cat, err := categories.GetOrCreate(ctx, owner.ID, "Work")
	require.NoError(t, err)

	own := &model.Task{Title: "own", Status: model.StatusTodo, CreatorID: owner.ID}
	assigned := &model.Task{Title: "assigned", Status: model.StatusTodo, CreatorID: owner.ID, AssigneeID: &assignee.ID}
	shared := &model.Task{Title: "shared", Status: model.StatusTodo, CreatorID: owner.ID}
	inCategory := &model.Task{Title: "in category", Status: model.StatusTodo, CreatorID: owner.ID, CategoryID: &cat.ID}
	done := &model.Task{Title: "done", Status: model.StatusDone, CreatorID: owner.ID, AssigneeID: &assignee.ID}
	for _, task := range []*model.Task{own, assigned, shared, inCategory, done} {
		require.NoError(t, tasks.Create(ctx, task))
	}
	require.NoError(t, tasks.Share(ctx, shared.ID, friend.ID))
	require.NoError(t, categories.Share(ctx, owner.ID, cat.ID, teammate.ID))

	titles := func(userID uint) []string {
		list, err := tasks.ListVisibleOpen(ctx, userID)
		require.NoError(t, err)
		var out []string
		for _, task := range list {
			out = append(out, task.Title)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"own", "assigned", "shared", "in category"}, titles(owner.ID))
	assert.ElementsMatch(t, []string{"assigned"}, titles(assignee.ID))
	assert.ElementsMatch(t, []string{"shared"}, titles(friend.ID))
	assert.ElementsMatch(t, []string{"in category"}, titles(teammate.ID))
	assert.Empty(t, titles(stranger.ID))

	_, err = tasks.FindVisible(ctx, stranger.ID, own.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	shares, err := categories.ListByUser(ctx, teammate.ID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, "Work", shares[0].Name)
}

func TestTaskRepository_RescheduleAndStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	users := NewUserRepository(db)
	tasks := NewTaskRepository(db)
	owner := mustUser(t, users, 1, "owner")

	due := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))
	task := &model.Task{Title: "water plants", Status: model.StatusInProgress, CreatorID: owner.ID, DueDate: &due, IsRecurring: true, RecurrenceInterval: "daily"}
	require.NoError(t, tasks.Create(ctx, task))

	next := due.AddDate(0, 0, 1)
	require.NoError(t, tasks.Reschedule(ctx, task.ID, next))

	got, err := tasks.FindVisible(ctx, owner.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTodo, got.Status)
	require.NotNil(t, got.DueDate)
	assert.True(t, next.Equal(*got.DueDate), "got %s", got.DueDate)

	require.NoError(t, tasks.SetStatus(ctx, task.ID, model.StatusDone))
	open, err := tasks.ListVisibleOpen(ctx, owner.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, tasks.SetStatus(ctx, 999, model.StatusDone), ErrNotFound)
	assert.ErrorIs(t, tasks.Delete(ctx, owner.ID+1, task.ID), ErrNotFound)
	assert.NoError(t, tasks.Delete(ctx, owner.ID, task.ID))
}

func TestTaskRepository_Assign(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	users := NewUserRepository(db)
	tasks := NewTaskRepository(db)
	owner := mustUser(t, users, 1, "owner")
	helper := mustUser(t, users, 2, "helper")

	task := &model.Task{Title: "print badges", Status: model.StatusTodo, CreatorID: owner.ID}
	require.NoError(t, tasks.Create(ctx, task))

	_, err := tasks.FindVisible(ctx, helper.ID, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, tasks.Assign(ctx, helper.ID, task.ID, &helper.ID), ErrNotFound, "only the creator assigns")
	require.NoError(t, tasks.Assign(ctx, owner.ID, task.ID, &helper.ID))

	got, err := tasks.FindVisible(ctx, helper.ID, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, helper.ID, *got.AssigneeID)

	require.NoError(t, tasks.Assign(ctx, owner.ID, task.ID, nil))
	open, err := tasks.ListVisibleOpen(ctx, helper.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSettingsRepository_UpsertAndList(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	users := NewUserRepository(db)
	settings := NewSettingsRepository(db)

	alice := mustUser(t, users, 1, "alice")
	bob := mustUser(t, users, 2, "bob")

	s := model.DefaultSettings(alice.ID)
	s.Enabled = true
	s.TelegramChatID = "1"
	require.NoError(t, settings.Upsert(ctx, &s))

	off := model.DefaultSettings(bob.ID)
	require.NoError(t, settings.Upsert(ctx, &off))

	update := model.DefaultSettings(alice.ID)
	update.Enabled = true
	update.TelegramChatID = "42"
	update.MondayTime = "07:30"
	require.NoError(t, settings.Upsert(ctx, &update))
	assert.Equal(t, s.ID, update.ID)

	list, err := settings.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "42", list[0].TelegramChatID)
	assert.Equal(t, "07:30", list[0].MondayTime)
	assert.Equal(t, "alice", list[0].User.Username)

	_, err = settings.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsRepository_ClaimDispatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	users := NewUserRepository(db)
	settings := NewSettingsRepository(db)

	alice := mustUser(t, users, 1, "alice")
	s := model.DefaultSettings(alice.ID)
	s.Enabled = true
	require.NoError(t, settings.Upsert(ctx, &s))

	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2025, time.March, 10, 8, 0, 0, 0, loc)
	dayStart := time.Date(2025, time.March, 10, 0, 0, 0, 0, loc)

	won, err := settings.ClaimDispatch(ctx, s.ID, now, dayStart)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = settings.ClaimDispatch(ctx, s.ID, now.Add(30*time.Second), dayStart)
	require.NoError(t, err)
	assert.False(t, won, "second claim on the same day must lose")

	require.NoError(t, settings.ReleaseDispatch(ctx, s.ID, now, nil))
	got, err := settings.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastSentAt)

	won, err = settings.ClaimDispatch(ctx, s.ID, now.Add(time.Minute), dayStart)
	require.NoError(t, err)
	assert.True(t, won)

	tomorrow := dayStart.AddDate(0, 0, 1)
	won, err = settings.ClaimDispatch(ctx, s.ID, tomorrow.Add(8*time.Hour), tomorrow)
	require.NoError(t, err)
	assert.True(t, won)

	// Upsert never clobbers the dispatch stamp.
	update := model.DefaultSettings(alice.ID)
	update.Enabled = true
	require.NoError(t, settings.Upsert(ctx, &update))
	got, err = settings.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSentAt)
	assert.True(t, tomorrow.Add(8*time.Hour).Equal(*got.LastSentAt))
}
