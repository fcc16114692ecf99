package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/clock"
	"taskflow/internal/metrics"
	"taskflow/internal/model"
	"taskflow/internal/recurrence"
	"taskflow/internal/repository"
)

var (
	// ErrInvalidInput wraps every validation failure of task input.
	ErrInvalidInput = errors.New("invalid task input")
	ErrNotCreator   = errors.New("only the creator can do that")
	ErrUnknownUser  = errors.New("user has not started the bot")
)

// TaskInput represents data required to create a task.
type TaskInput struct {
	Title       string
	Description string
	Category    string
	DueDate     *time.Time
	Importance  model.Importance
	// Assignee is a Telegram username, with or without the leading @.
	Assignee   string
	Recurrence *RecurrenceInput
}

// RecurrenceInput is the optional repeat rule of a new task.
type RecurrenceInput struct {
	Interval   recurrence.Interval
	WeekDays   []time.Weekday
	DayOfMonth int
	EndDate    *time.Time
}

// CompletionResult describes what Complete did to a task.
type CompletionResult struct {
	Task *model.Task
	// Rescheduled is set when a recurring task moved to its next occurrence.
	Rescheduled bool
	Next        time.Time
}

// TaskService wraps task-related business logic.
type TaskService struct {
	taskRepo     *repository.TaskRepository
	categoryRepo *repository.CategoryRepository
	userRepo     *repository.UserRepository
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

func NewTaskService(taskRepo *repository.TaskRepository, categoryRepo *repository.CategoryRepository, userRepo *repository.UserRepository, log zerolog.Logger, m *metrics.Metrics) *TaskService {
	return &TaskService{
		taskRepo:     taskRepo,
		categoryRepo: categoryRepo,
		userRepo:     userRepo,
		log:          log.With().Str("component", "tasks").Logger(),
		metrics:      m,
	}
}

func (s *TaskService) CreateTask(ctx context.Context, user *model.User, input TaskInput) (*model.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	var categoryID *uint
	if input.Category != "" {
		category, err := s.categoryRepo.GetOrCreate(ctx, user.ID, input.Category)
		if err != nil {
			return nil, err
		}
		if category != nil {
			categoryID = &category.ID
		}
	}

	var assigneeID *uint
	if input.Assignee != "" {
		assignee, err := s.findUser(ctx, input.Assignee)
		if err != nil {
			return nil, err
		}
		assigneeID = &assignee.ID
	}

	importance := input.Importance
	if importance == "" {
		importance = model.ImportanceMedium
	}

	task := model.Task{
		Title:       title,
		Description: input.Description,
		Status:      model.StatusTodo,
		Importance:  importance,
		DueDate:     input.DueDate,
		CreatorID:   user.ID,
		AssigneeID:  assigneeID,
		CategoryID:  categoryID,
	}

	if rec := input.Recurrence; rec != nil {
		if input.DueDate == nil {
			return nil, fmt.Errorf("%w: a recurring task needs a due date", ErrInvalidInput)
		}
		if !rec.Interval.Valid() {
			return nil, fmt.Errorf("%w: unknown interval %q", ErrInvalidInput, rec.Interval)
		}
		if rec.DayOfMonth < 0 || rec.DayOfMonth > 31 {
			return nil, fmt.Errorf("%w: day of month must be 1-31", ErrInvalidInput)
		}
		if rec.EndDate != nil && rec.EndDate.Before(clock.StartOfDay(*input.DueDate)) {
			return nil, fmt.Errorf("%w: end date is before the due date", ErrInvalidInput)
		}
		task.IsRecurring = true
		task.RecurrenceInterval = string(rec.Interval)
		task.RecurrenceEndDate = rec.EndDate
		if rec.Interval == recurrence.Weekly {
			task.RecurrenceWeekDays = recurrence.FormatWeekDays(rec.WeekDays)
		}
		if rec.Interval == recurrence.Monthly && rec.DayOfMonth > 0 {
			dom := rec.DayOfMonth
			task.RecurrenceDayOfMonth = &dom
		}
	}

	if err := s.taskRepo.Create(ctx, &task); err != nil {
		return nil, err
	}

	s.log.Debug().Uint("task_id", task.ID).Uint("user_id", user.ID).Bool("recurring", task.IsRecurring).Msg("task created")
	return &task, nil
}

// ListActive returns the open tasks visible to the user.
func (s *TaskService) ListActive(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.taskRepo.ListVisibleOpen(ctx, user.ID)
}

func (s *TaskService) GetTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	return s.taskRepo.FindVisible(ctx, user.ID, taskID)
}

// Complete marks a task as done. A recurring task with a due date is
// instead moved to its next occurrence after now and put back into TODO,
// unless that occurrence lies past its end date.
func (s *TaskService) Complete(ctx context.Context, user *model.User, taskID uint, now time.Time) (CompletionResult, error) {
	task, err := s.taskRepo.FindVisible(ctx, user.ID, taskID)
	if err != nil {
		return CompletionResult{}, err
	}
	log := s.log.With().Uint("task_id", task.ID).Logger()

	if !task.IsRecurring || task.DueDate == nil {
		if task.IsRecurring {
			log.Warn().Msg("recurring task has no due date, closing it")
		}
		return s.finish(ctx, task)
	}

	rule, err := task.Rule()
	if err != nil {
		log.Warn().Err(err).Str("weekdays", task.RecurrenceWeekDays).Msg("malformed weekday list, using every 7 days")
		rule.WeekDays = nil
	}
	// Step in the caller's zone so weekdays and DST follow local time.
	rule.DueDate = rule.DueDate.In(now.Location())

	res, err := recurrence.Advance(rule, now)
	if err != nil {
		if errors.Is(err, recurrence.ErrStepLimit) {
			log.Error().Err(err).Time("due", *task.DueDate).Msg("recurrence did not converge, closing task")
			s.metrics.Recurrence("step_limit")
			return s.finish(ctx, task)
		}
		return CompletionResult{}, fmt.Errorf("advance task %d: %w", task.ID, err)
	}
	if res.Fallback {
		log.Warn().Str("interval", task.RecurrenceInterval).Msg("unknown recurrence interval, stepping daily")
	}
	s.metrics.Recurrence(res.Outcome.String())

	if res.Outcome == recurrence.Terminal {
		log.Info().Time("next", res.Next).Msg("recurrence ended")
		return s.finish(ctx, task)
	}

	if err := s.taskRepo.Reschedule(ctx, task.ID, res.Next); err != nil {
		return CompletionResult{}, err
	}
	next := res.Next.UTC()
	task.DueDate = &next
	task.Status = model.StatusTodo
	log.Info().Time("next", res.Next).Int("steps", res.Steps).Msg("recurring task rescheduled")
	return CompletionResult{Task: task, Rescheduled: true, Next: res.Next}, nil
}

func (s *TaskService) finish(ctx context.Context, task *model.Task) (CompletionResult, error) {
	if err := s.taskRepo.SetStatus(ctx, task.ID, model.StatusDone); err != nil {
		return CompletionResult{}, err
	}
	task.Status = model.StatusDone
	return CompletionResult{Task: task}, nil
}

// CompleteAll completes each task independently. The returned slices are
// aligned with taskIDs.
func (s *TaskService) CompleteAll(ctx context.Context, user *model.User, taskIDs []uint, now time.Time) ([]CompletionResult, []error) {
	results := make([]CompletionResult, len(taskIDs))
	errs := make([]error, len(taskIDs))
	for i, id := range taskIDs {
		results[i], errs[i] = s.Complete(ctx, user, id, now)
		if errs[i] != nil {
			s.log.Warn().Err(errs[i]).Uint("task_id", id).Msg("complete task")
		}
	}
	return results, errs
}

// SetStatus moves a task to another column. Moving to DONE goes through
// Complete so recurring tasks are rescheduled.
func (s *TaskService) SetStatus(ctx context.Context, user *model.User, taskID uint, status model.Status, now time.Time) (CompletionResult, error) {
	if status == model.StatusDone {
		return s.Complete(ctx, user, taskID, now)
	}
	task, err := s.taskRepo.FindVisible(ctx, user.ID, taskID)
	if err != nil {
		return CompletionResult{}, err
	}
	if err := s.taskRepo.SetStatus(ctx, task.ID, status); err != nil {
		return CompletionResult{}, err
	}
	task.Status = status
	return CompletionResult{Task: task}, nil
}

// Share makes a task visible to target. The caller must be able to see it.
func (s *TaskService) Share(ctx context.Context, user *model.User, taskID, targetID uint) error {
	task, err := s.taskRepo.FindVisible(ctx, user.ID, taskID)
	if err != nil {
		return err
	}
	return s.taskRepo.Share(ctx, task.ID, targetID)
}

// ShareCategory shares every task of one of the user's own categories.
func (s *TaskService) ShareCategory(ctx context.Context, user *model.User, name string, targetID uint) (*model.Category, error) {
	categories, err := s.categoryRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for i := range categories {
		category := &categories[i]
		if category.UserID == user.ID && strings.EqualFold(strings.TrimSpace(category.Name), strings.TrimSpace(name)) {
			return category, s.categoryRepo.Share(ctx, user.ID, category.ID, targetID)
		}
	}
	return nil, repository.ErrNotFound
}

// Assign hands a task the user created to the Telegram user with the given
// username. An empty username clears the assignee.
func (s *TaskService) Assign(ctx context.Context, user *model.User, taskID uint, username string) (*model.Task, *model.User, error) {
	task, err := s.taskRepo.FindVisible(ctx, user.ID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.CreatorID != user.ID {
		return nil, nil, ErrNotCreator
	}

	var assignee *model.User
	var assigneeID *uint
	if strings.TrimSpace(username) != "" {
		if assignee, err = s.findUser(ctx, username); err != nil {
			return nil, nil, err
		}
		assigneeID = &assignee.ID
	}
	if err := s.taskRepo.Assign(ctx, user.ID, task.ID, assigneeID); err != nil {
		return nil, nil, err
	}
	task.AssigneeID = assigneeID
	s.log.Info().Uint("task_id", task.ID).Interface("assignee_id", assigneeID).Msg("task assigned")
	return task, assignee, nil
}

func (s *TaskService) findUser(ctx context.Context, username string) (*model.User, error) {
	name := strings.TrimPrefix(strings.TrimSpace(username), "@")
	user, err := s.userRepo.FindByUsername(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: @%s", ErrUnknownUser, name)
	}
	return user, err
}

// DeleteTask removes a task completely (for both one-time and recurring tasks).
func (s *TaskService) DeleteTask(ctx context.Context, user *model.User, taskID uint) error {
	return s.taskRepo.Delete(ctx, user.ID, taskID)
}

// ParseTaskInput parses the argument of the /add command:
//
//	title; due=2025-03-14 09:30; every=weekly:1,3; until=2025-06-01; priority=high; category=Work; assignee=@bob
//
// Everything but the title is optional. Dates are read in loc.
func ParseTaskInput(raw string, loc *time.Location) (TaskInput, error) {
	parts := strings.Split(raw, ";")
	input := TaskInput{Title: strings.TrimSpace(parts[0])}
	if input.Title == "" {
		return input, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	var (
		every string
		until *time.Time
	)
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return input, fmt.Errorf("%w: expected key=value, got %q", ErrInvalidInput, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "due":
			due, err := parseDate(value, loc)
			if err != nil {
				return input, err
			}
			input.DueDate = &due
		case "until":
			end, err := parseDate(value, loc)
			if err != nil {
				return input, err
			}
			until = &end
		case "every":
			every = value
		case "priority", "importance":
			imp, ok := parseImportance(value)
			if !ok {
				return input, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, value)
			}
			input.Importance = imp
		case "category":
			input.Category = value
		case "assignee", "assign":
			input.Assignee = strings.TrimPrefix(value, "@")
		case "note", "description":
			input.Description = value
		default:
			return input, fmt.Errorf("%w: unknown field %q", ErrInvalidInput, key)
		}
	}

	if every == "" {
		if until != nil {
			return input, fmt.Errorf("%w: until= needs every=", ErrInvalidInput)
		}
		return input, nil
	}
	rec, err := parseEvery(every)
	if err != nil {
		return input, err
	}
	rec.EndDate = until
	input.Recurrence = rec
	return input, nil
}

func parseEvery(raw string) (*RecurrenceInput, error) {
	name, arg, hasArg := strings.Cut(raw, ":")
	rec := &RecurrenceInput{Interval: recurrence.ParseInterval(name)}
	if !rec.Interval.Valid() {
		return nil, fmt.Errorf("%w: unknown interval %q", ErrInvalidInput, name)
	}
	if !hasArg {
		return rec, nil
	}
	switch rec.Interval {
	case recurrence.Weekly:
		days, err := recurrence.ParseWeekDays(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		rec.WeekDays = days
	case recurrence.Monthly:
		dom, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || dom < 1 || dom > 31 {
			return nil, fmt.Errorf("%w: day of month must be 1-31, got %q", ErrInvalidInput, arg)
		}
		rec.DayOfMonth = dom
	default:
		return nil, fmt.Errorf("%w: %s takes no argument", ErrInvalidInput, rec.Interval)
	}
	return rec, nil
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad date %q, use YYYY-MM-DD or YYYY-MM-DD HH:MM", ErrInvalidInput, raw)
}

func parseImportance(raw string) (model.Importance, bool) {
	switch strings.ToLower(raw) {
	case "low":
		return model.ImportanceLow, true
	case "medium", "normal":
		return model.ImportanceMedium, true
	case "high":
		return model.ImportanceHigh, true
	}
	return "", false
}
