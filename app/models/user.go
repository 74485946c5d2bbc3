package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ROLE_USER  = "user"
	ROLE_ADMIN = "admin"
)

// User is the minimal identity row orders reference. Authentication and
// balances live in external services; the core only needs ownership and the
// admin flag.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"type:varchar(150)" json:"name"`
	Email     string         `gorm:"uniqueIndex;type:varchar(200)" json:"email"`
	Role      string         `gorm:"type:varchar(50);default:'user'" json:"role"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsAdmin reports whether the user carries the admin role
func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

// FindUserByID finds a user by ID
func FindUserByID(db *gorm.DB, id uint) (*User, error) {
	var user User
	result := db.Where("id = ?", id).First(&user)
	return &user, result.Error
}
