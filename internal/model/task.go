package model

import (
	"strings"
	"time"

	"taskflow/internal/recurrence"
)

// Status is the Kanban column of a task.
type Status string

const (
	StatusBacklog    Status = "BACKLOG"
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
)

// ParseStatus accepts any case and "in progress"/"in-progress" spellings.
func ParseStatus(raw string) (Status, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch Status(s) {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return Status(s), true
	}
	return "", false
}

// Importance of a task.
type Importance string

const (
	ImportanceLow    Importance = "Low"
	ImportanceMedium Importance = "Medium"
	ImportanceHigh   Importance = "High"
)

// Task represents a single item on a board.
type Task struct {
	ID          uint `gorm:"primaryKey"`
	Title       string
	Description string
	Status      Status     `gorm:"index;default:TODO"`
	Importance  Importance `gorm:"default:Medium"`
	DueDate     *time.Time `gorm:"index"`

	CreatorID  uint   `gorm:"index"`
	AssigneeID *uint  `gorm:"index"`
	CategoryID *uint  `gorm:"index"`
	SharedWith []User `gorm:"many2many:task_shares;"`

	IsRecurring          bool `gorm:"default:false"`
	RecurrenceInterval   string
	RecurrenceWeekDays   string // e.g. "1,3,5", 0 = Sunday
	RecurrenceDayOfMonth *int
	RecurrenceEndDate    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDone reports whether the task sits in the DONE column.
func (t Task) IsDone() bool {
	return t.Status == StatusDone
}

// Rule builds the recurrence rule of a task. It fails only on a malformed
// weekday list; a missing due date is left for recurrence.Advance to report.
func (t Task) Rule() (recurrence.Rule, error) {
	rule := recurrence.Rule{
		Interval: recurrence.ParseInterval(t.RecurrenceInterval),
		EndDate:  t.RecurrenceEndDate,
	}
	if t.DueDate != nil {
		rule.DueDate = *t.DueDate
	}
	if t.RecurrenceDayOfMonth != nil {
		rule.DayOfMonth = *t.RecurrenceDayOfMonth
	}
	days, err := recurrence.ParseWeekDays(t.RecurrenceWeekDays)
	if err != nil {
		return rule, err
	}
	rule.WeekDays = days
	return rule, nil
}
