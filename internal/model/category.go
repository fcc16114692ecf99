package model

import "time"

// Category groups tasks and can be shared with other users. Every task in a
// shared category is visible to the users it is shared with.
type Category struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     uint   `gorm:"index;index:idx_user_category_name,unique"`
	Name       string `gorm:"index:idx_user_category_name,unique"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Tasks      []Task `gorm:"foreignKey:CategoryID"`
	SharedWith []User `gorm:"many2many:category_shares;"`
}
