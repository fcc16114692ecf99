package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"taskflow/internal/model"
)

// TaskRepository handles CRUD for tasks.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// visibleTo restricts a query to tasks the user created, is assigned to, or
// that were shared with them directly or through a category.
func visibleTo(db *gorm.DB, userID uint) *gorm.DB {
	return db.Where(
		"(tasks.creator_id = ? OR tasks.assignee_id = ? "+
			"OR tasks.id IN (SELECT task_id FROM task_shares WHERE user_id = ?) "+
			"OR tasks.category_id IN (SELECT category_id FROM category_shares WHERE user_id = ?))",
		userID, userID, userID, userID,
	)
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	task.DueDate = utc(task.DueDate)
	task.RecurrenceEndDate = utc(task.RecurrenceEndDate)
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// FindVisible loads one task if userID may see it.
func (r *TaskRepository) FindVisible(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := visibleTo(r.db.WithContext(ctx), userID).Where("tasks.id = ?", taskID).First(&task).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// ListVisibleOpen returns every task visible to userID that is not DONE,
// earliest due date first and undated tasks last.
func (r *TaskRepository) ListVisibleOpen(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	err := visibleTo(r.db.WithContext(ctx), userID).
		Where("tasks.status <> ?", model.StatusDone).
		Order("tasks.due_date NULLS LAST, tasks.id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Reschedule moves a recurring task to its next occurrence and puts it back
// into TODO.
func (r *TaskRepository) Reschedule(ctx context.Context, taskID uint, due time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"due_date": due.UTC(),
			"status":   model.StatusTodo,
		})
	if res.Error != nil {
		return fmt.Errorf("reschedule task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepository) SetStatus(ctx context.Context, taskID uint, status model.Status) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set task status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Share makes a task visible to another user.
func (r *TaskRepository) Share(ctx context.Context, taskID, userID uint) error {
	db := r.db.WithContext(ctx)
	var user model.User
	if err := db.First(&user, userID).Error; err != nil {
		return notFound(err)
	}
	if err := db.Model(&model.Task{ID: taskID}).Association("SharedWith").Append(&user); err != nil {
		return fmt.Errorf("share task: %w", err)
	}
	return nil
}

// Assign sets or clears (nil assigneeID) the assignee. Only the task's
// creator may do it.
func (r *TaskRepository) Assign(ctx context.Context, creatorID, taskID uint, assigneeID *uint) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("creator_id = ? AND id = ?", creatorID, taskID).
		Update("assignee_id", assigneeID)
	if res.Error != nil {
		return fmt.Errorf("assign task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task. Only its creator may delete it.
func (r *TaskRepository) Delete(ctx context.Context, creatorID, taskID uint) error {
	res := r.db.WithContext(ctx).Where("creator_id = ? AND id = ?", creatorID, taskID).Delete(&model.Task{})
	if res.Error != nil {
		return fmt.Errorf("delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
