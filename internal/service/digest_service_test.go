package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/model"
)

var moscow = time.FixedZone("MSK", 3*60*60)

type staticTasks map[uint][]model.Task

func (s staticTasks) ListVisibleOpen(_ context.Context, userID uint) ([]model.Task, error) {
	if tasks, ok := s[userID]; ok {
		return tasks, nil
	}
	return nil, nil
}

type failingTasks struct{}

func (failingTasks) ListVisibleOpen(context.Context, uint) ([]model.Task, error) {
	return nil, errors.New("database is locked")
}

func at(year int, month time.Month, day, hour, minute int) *time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, moscow)
	return &t
}

func digestFixture() []model.Task {
	return []model.Task{
		{ID: 1, Title: "Pay rent", DueDate: at(2025, 3, 14, 18, 0), Importance: model.ImportanceMedium, Status: model.StatusTodo},
		{ID: 2, Title: "Standup", DueDate: at(2025, 3, 14, 9, 0), Importance: model.ImportanceLow, Status: model.StatusInProgress},
		{ID: 3, Title: "Dentist", DueDate: at(2025, 3, 17, 10, 0), Importance: model.ImportanceMedium, Status: model.StatusTodo},
		{ID: 4, Title: "Quarterly report", DueDate: at(2025, 3, 21, 7, 0), Importance: model.ImportanceHigh, Status: model.StatusBacklog},
		{ID: 5, Title: "Too far", DueDate: at(2025, 3, 21, 9, 0), Importance: model.ImportanceHigh, Status: model.StatusTodo},
		{ID: 6, Title: "Overdue", DueDate: at(2025, 3, 13, 23, 0), Importance: model.ImportanceHigh, Status: model.StatusTodo},
		{ID: 7, Title: "Renew passport", Importance: model.ImportanceHigh, Status: model.StatusTodo},
		{ID: 8, Title: "Someday", Importance: model.ImportanceMedium, Status: model.StatusTodo},
		{ID: 9, Title: "Already done", DueDate: at(2025, 3, 14, 12, 0), Importance: model.ImportanceHigh, Status: model.StatusDone},
	}
}

func ids(tasks []model.Task) []uint {
	out := make([]uint, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestPartition(t *testing.T) {
	now := *at(2025, 3, 14, 8, 0)
	d := Partition(digestFixture(), now, 7*24*time.Hour)

	assert.Equal(t, []uint{2, 1}, ids(d.DueToday))
	assert.Equal(t, []uint{3, 4}, ids(d.Upcoming))
	assert.Equal(t, []uint{7}, ids(d.HighPriorityNoDate))
	assert.Equal(t, 7, d.Days)
	assert.False(t, d.Empty())
}

func TestPartition_UsesLocalCalendarDay(t *testing.T) {
	// 23:30 UTC on the 13th is already the 14th in Moscow.
	due := time.Date(2025, 3, 13, 23, 30, 0, 0, time.UTC)
	tasks := []model.Task{{ID: 1, Title: "Early", DueDate: &due}}

	d := Partition(tasks, *at(2025, 3, 14, 8, 0), 7*24*time.Hour)
	assert.Equal(t, []uint{1}, ids(d.DueToday))

	d = Partition(tasks, time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC), 7*24*time.Hour)
	assert.Empty(t, d.DueToday)
	assert.Empty(t, d.Upcoming)
}

func TestCompose(t *testing.T) {
	now := *at(2025, 3, 14, 8, 0)
	text := Compose(Partition(digestFixture(), now, 7*24*time.Hour), moscow)

	want := "🌅 *Daily Digest*\n\n" +
		"🚨 *Due Today:*\n" +
		"• Standup\n" +
		"• Pay rent\n\n" +
		"📅 *Next 7 Days:*\n" +
		"• Dentist (3/17/2025)\n" +
		"• Quarterly report (3/21/2025)\n\n" +
		"🔥 *High Priority (No Date):*\n" +
		"• Renew passport"
	assert.Equal(t, want, text)
}

func TestCompose_OmitsEmptySections(t *testing.T) {
	d := Digest{HighPriorityNoDate: []model.Task{{ID: 1, Title: "Renew passport"}}}
	assert.Equal(t, "🌅 *Daily Digest*\n\n🔥 *High Priority (No Date):*\n• Renew passport", Compose(d, moscow))

	d = Digest{DueToday: []model.Task{{ID: 1, Title: "Standup"}}}
	assert.Equal(t, "🌅 *Daily Digest*\n\n🚨 *Due Today:*\n• Standup", Compose(d, moscow))
}

func TestCompose_EscapesTitles(t *testing.T) {
	d := Digest{DueToday: []model.Task{{ID: 1, Title: "fix_bug *now*\n  [asap]"}}}
	assert.Equal(t, "🌅 *Daily Digest*\n\n🚨 *Due Today:*\n• fix\\_bug \\*now\\* \\[asap]", Compose(d, moscow))
}

func TestCompose_WindowInHeader(t *testing.T) {
	now := *at(2025, 3, 14, 8, 0)
	d := Partition(digestFixture(), now, 4*24*time.Hour)
	assert.Equal(t, []uint{3}, ids(d.Upcoming))
	assert.Contains(t, Compose(d, moscow), "📅 *Next 4 Days:*\n• Dentist (3/17/2025)")
}

func TestDigestService_Render(t *testing.T) {
	ctx := context.Background()
	now := *at(2025, 3, 14, 8, 0)
	svc := NewDigestService(staticTasks{1: digestFixture(), 2: {{ID: 8, Title: "Someday"}}}, 0)

	text, err := svc.Render(ctx, 1, now)
	require.NoError(t, err)
	assert.Contains(t, text, "• Standup")

	text, err = svc.Render(ctx, 2, now)
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = NewDigestService(failingTasks{}, 0).Render(ctx, 1, now)
	assert.ErrorContains(t, err, "database is locked")
}
