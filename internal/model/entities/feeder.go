package entities

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Feeder is the persisted twin of one physical device.
type Feeder struct {
	ID             string                             `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID        string                             `gorm:"type:varchar(128);index" json:"owner_id"`
	Name           string                             `gorm:"type:varchar(128)" json:"name"`
	PetType        string                             `gorm:"type:varchar(32)" json:"pet_type"`
	Status         string                             `gorm:"type:varchar(32)" json:"status"`
	BowlLevel      float64                            `json:"bowl_level"`
	StorageLevel   float64                            `json:"storage_level"`
	Weight         float64                            `json:"weight"`
	StorageWeight  float64                            `json:"storage_weight"`
	DefaultPortion float64                            `json:"default_portion"`
	WeeklySchedule datatypes.JSONType[WeeklySchedule] `json:"weekly_schedule"`
	LastSeenAt     *time.Time                         `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time                          `json:"created_at"`
	UpdatedAt      time.Time                          `json:"updated_at"`
}

// Weekly returns the recurring schedule, never nil.
func (f *Feeder) Weekly() WeeklySchedule {
	w := f.WeeklySchedule.Data()
	if w == nil {
		return WeeklySchedule{}
	}
	return w
}

// OwnedBy reports whether userID is the recorded owner.
func (f *Feeder) OwnedBy(userID string) bool {
	return userID != "" && f.OwnerID == userID
}
