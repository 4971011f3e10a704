package model

import "time"

// User 终端用户，fleet_id 与 db_role 共同决定其数据访问范围
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Email     string    `gorm:"not null;uniqueIndex" json:"email"`
	Password  string    `gorm:"not null" json:"-"`
	Avatar    string    `json:"avatar"`

	// 所属车队
	FleetID string `gorm:"not null;index" json:"fleet_id"`

	// 查询车队库时切换到的数据库角色
	DBRole string `gorm:"not null;default:end_user" json:"db_role"`
}

func (User) TableName() string {
	return "user"
}
