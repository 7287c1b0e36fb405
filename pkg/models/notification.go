package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification levels.
const (
	NotificationInfo    = "info"
	NotificationWarning = "warning"
	NotificationError   = "error"
)

// Notification is a stored copy of a NOTIFICATION event for one recipient.
type Notification struct {
	ID        int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64             `gorm:"not null;index:idx_notification_user_read,priority:1" json:"user_id"`
	Group     string            `gorm:"column:group_name;size:99;not null" json:"group"`
	TaskID    string            `gorm:"size:191" json:"task_id"`
	Seq       int64             `json:"seq"`
	Title     string            `gorm:"size:255" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Level     string            `gorm:"size:16;not null;default:info" json:"level"`
	Meta      datatypes.JSONMap `json:"meta"`
	Read      bool              `gorm:"column:is_read;not null;default:false;index:idx_notification_user_read,priority:2" json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Notification) TableName() string { return "notifications" }
