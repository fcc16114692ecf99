package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"taskflow/internal/clock"
	"taskflow/internal/model"
)

const (
	digestHeader      = "🌅 *Daily Digest*"
	sectionDueToday   = "🚨 *Due Today:*"
	sectionUpcoming   = "📅 *Next %d Days:*"
	sectionNoDateHigh = "🔥 *High Priority (No Date):*"
	digestDateLayout  = "1/2/2006"
)

// TaskLister is the task query the digest needs.
type TaskLister interface {
	ListVisibleOpen(ctx context.Context, userID uint) ([]model.Task, error)
}

// Digest is a user's tasks split into the three digest sections.
type Digest struct {
	DueToday           []model.Task
	Upcoming           []model.Task
	HighPriorityNoDate []model.Task
	// Days is the look-ahead of Upcoming, in whole days.
	Days int
}

// Empty reports whether there is nothing to send.
func (d Digest) Empty() bool {
	return len(d.DueToday) == 0 && len(d.Upcoming) == 0 && len(d.HighPriorityNoDate) == 0
}

// DigestService builds daily digests.
type DigestService struct {
	tasks  TaskLister
	window time.Duration
}

// NewDigestService returns a service that looks window ahead of now for
// upcoming tasks.
func NewDigestService(tasks TaskLister, window time.Duration) *DigestService {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &DigestService{tasks: tasks, window: window}
}

// Build loads the user's open tasks and partitions them around now.
func (s *DigestService) Build(ctx context.Context, userID uint, now time.Time) (Digest, error) {
	tasks, err := s.tasks.ListVisibleOpen(ctx, userID)
	if err != nil {
		return Digest{}, fmt.Errorf("list tasks: %w", err)
	}
	return Partition(tasks, now, s.window), nil
}

// Render builds and composes the digest; it returns "" when the digest is empty.
func (s *DigestService) Render(ctx context.Context, userID uint, now time.Time) (string, error) {
	d, err := s.Build(ctx, userID, now)
	if err != nil {
		return "", err
	}
	if d.Empty() {
		return "", nil
	}
	return Compose(d, now.Location()), nil
}

// Partition splits open tasks into due today (local calendar day of now),
// upcoming (after today, up to now+window) and high-priority tasks without
// a due date. Completed tasks and tasks outside those ranges are dropped.
func Partition(tasks []model.Task, now time.Time, window time.Duration) Digest {
	loc := now.Location()
	dayStart := clock.StartOfDay(now)
	dayEnd := clock.EndOfDay(now)
	horizon := now.Add(window)

	d := Digest{Days: int(window / (24 * time.Hour))}
	for _, task := range tasks {
		if task.IsDone() {
			continue
		}
		if task.DueDate == nil {
			if task.Importance == model.ImportanceHigh {
				d.HighPriorityNoDate = append(d.HighPriorityNoDate, task)
			}
			continue
		}
		due := task.DueDate.In(loc)
		switch {
		case !due.Before(dayStart) && !due.After(dayEnd):
			d.DueToday = append(d.DueToday, task)
		case due.After(dayEnd) && !due.After(horizon):
			d.Upcoming = append(d.Upcoming, task)
		}
	}

	sortByDue(d.DueToday)
	sortByDue(d.Upcoming)
	sort.SliceStable(d.HighPriorityNoDate, func(i, j int) bool {
		return d.HighPriorityNoDate[i].ID < d.HighPriorityNoDate[j].ID
	})
	return d
}

func sortByDue(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.DueDate.Equal(*b.DueDate) {
			return a.DueDate.Before(*b.DueDate)
		}
		return a.ID < b.ID
	})
}

// Compose renders the digest in Telegram Markdown. Sections keep a fixed
// order and empty ones are left out. Dates are shown in loc.
func Compose(d Digest, loc *time.Location) string {
	var builder strings.Builder
	builder.WriteString(digestHeader)
	builder.WriteString("\n\n")

	if len(d.DueToday) > 0 {
		builder.WriteString(sectionDueToday + "\n")
		for _, task := range d.DueToday {
			builder.WriteString(fmt.Sprintf("• %s\n", escapeTitle(task.Title)))
		}
		builder.WriteString("\n")
	}

	if len(d.Upcoming) > 0 {
		days := d.Days
		if days <= 0 {
			days = 7
		}
		builder.WriteString(fmt.Sprintf(sectionUpcoming, days) + "\n")
		for _, task := range d.Upcoming {
			builder.WriteString(fmt.Sprintf("• %s (%s)\n", escapeTitle(task.Title), task.DueDate.In(loc).Format(digestDateLayout)))
		}
		builder.WriteString("\n")
	}

	if len(d.HighPriorityNoDate) > 0 {
		builder.WriteString(sectionNoDateHigh + "\n")
		for _, task := range d.HighPriorityNoDate {
			builder.WriteString(fmt.Sprintf("• %s\n", escapeTitle(task.Title)))
		}
	}

	return strings.TrimSpace(builder.String())
}

func escapeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, title)
}
