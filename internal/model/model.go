// Package model lists the persisted entities owned by the bridge.
package model

import "github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"

// All returns every persisted type, for migrations.
func All() []any {
	return []any{
		&entities.Feeder{},
		&entities.FeedingSchedule{},
		&entities.RecurringClaim{},
		&entities.FeedingLog{},
		&entities.Notification{},
	}
}
