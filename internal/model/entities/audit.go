package entities

import "time"

// Source tags where a dispense originated.
type Source string

const (
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
)

type NotificationStatus string

const (
	NotificationSuccess NotificationStatus = "success"
	NotificationFailed  NotificationStatus = "failed"
)

// FeedingLog is written only after a successful publish. Append-only.
type FeedingLog struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FeederID    string    `gorm:"type:varchar(64);not null;index" json:"feeder_id"`
	PortionSize float64   `json:"portion_size"`
	Source      Source    `gorm:"type:varchar(16)" json:"source"`
	ScheduleID  string    `gorm:"type:varchar(36)" json:"schedule_id,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"timestamp"`
}

// Notification is the audit record of one dispatch attempt, success or failure.
type Notification struct {
	ID        string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FeederID  string             `gorm:"type:varchar(64);not null;index" json:"feeder_id"`
	Status    NotificationStatus `gorm:"type:varchar(16)" json:"status"`
	Source    Source             `gorm:"type:varchar(16)" json:"source"`
	Message   string             `json:"message"`
	CreatedAt time.Time          `gorm:"index" json:"timestamp"`
}
