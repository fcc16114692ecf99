package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"taskflow/internal/model"
)

// CategoryRepository manages task categories.
type CategoryRepository struct {
	db *gorm.DB
}

func NewCategoryRepository(db *gorm.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

func (r *CategoryRepository) GetOrCreate(ctx context.Context, userID uint, name string) (*model.Category, error) {
	if name == "" {
		return nil, nil
	}

	var category model.Category
	db := r.db.WithContext(ctx)
	err := db.Where("user_id = ? AND name = ?", userID, name).First(&category).Error
	switch {
	case err == nil:
		return &category, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		category = model.Category{UserID: userID, Name: name}
		if err := db.Create(&category).Error; err != nil {
			return nil, fmt.Errorf("create category: %w", err)
		}
		return &category, nil
	default:
		return nil, fmt.Errorf("find category: %w", err)
	}
}

// ListByUser returns categories the user owns or that were shared with them.
func (r *CategoryRepository) ListByUser(ctx context.Context, userID uint) ([]model.Category, error) {
	var categories []model.Category
	err := r.db.WithContext(ctx).
		Where("user_id = ? OR id IN (SELECT category_id FROM category_shares WHERE user_id = ?)", userID, userID).
		Order("name ASC").
		Find(&categories).Error
	if err != nil {
		return nil, err
	}
	return categories, nil
}

// Share makes every task of the category visible to userID.
func (r *CategoryRepository) Share(ctx context.Context, ownerID, categoryID, userID uint) error {
	var category model.Category
	db := r.db.WithContext(ctx)
	if err := db.Where("id = ? AND user_id = ?", categoryID, ownerID).First(&category).Error; err != nil {
		return notFound(err)
	}
	var user model.User
	if err := db.First(&user, userID).Error; err != nil {
		return notFound(err)
	}
	if err := db.Model(&category).Association("SharedWith").Append(&user); err != nil {
		return fmt.Errorf("share category: %w", err)
	}
	return nil
}
