package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrClaimLost = errors.New("store: claim lost")
	// ErrNotOwner is returned when linking a feeder that already belongs to someone else.
	ErrNotOwner = errors.New("store: feeder owned by another user")
)

const (
	OutcomeClaimed = "claimed"
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
)

// FeederPatch is a partial update of the telemetry-owned columns. Nil fields are
// left untouched.
type FeederPatch struct {
	BowlLevel     *float64
	StorageLevel  *float64
	Weight        *float64
	StorageWeight *float64
	Status        *string
}

// Empty reports whether the patch touches no column.
func (p FeederPatch) Empty() bool {
	return p.BowlLevel == nil && p.StorageLevel == nil && p.Weight == nil &&
		p.StorageWeight == nil && p.Status == nil
}

// Store defines every database operation the bridge performs.
type Store interface {
	UpsertFeederFields(ctx context.Context, feederID string, patch FeederPatch, seenAt time.Time) error
	GetFeeder(ctx context.Context, feederID string) (*entities.Feeder, error)
	LinkFeeder(ctx context.Context, f *entities.Feeder) error
	SetWeeklySchedule(ctx context.Context, feederID string, w entities.WeeklySchedule) (entities.WeeklySchedule, error)
	ListFeedersWithWeekly(ctx context.Context) ([]entities.Feeder, error)

	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]entities.FeedingSchedule, error)
	ClaimSchedule(ctx context.Context, scheduleID, token string, now, until time.Time) error
	MarkScheduleSent(ctx context.Context, scheduleID, token string, at time.Time) error
	ReleaseSchedule(ctx context.Context, scheduleID, token string) error
	CreateSchedules(ctx context.Context, schedules []entities.FeedingSchedule) error
	NextPendingSchedule(ctx context.Context, feederID string, after time.Time) (*entities.FeedingSchedule, error)

	ClaimRecurring(ctx context.Context, feederID string, slot time.Time) error
	SetRecurringOutcome(ctx context.Context, feederID string, slot time.Time, outcome string) error

	AppendLog(ctx context.Context, l *entities.FeedingLog) error
	AppendNotification(ctx context.Context, n *entities.Notification) error

	Ping(ctx context.Context) error
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// UpsertFeederFields merges patch into the feeder row, creating it on first
// telemetry. Only the patched columns and last_seen_at are written on conflict.
func (s *gormStore) UpsertFeederFields(ctx context.Context, feederID string, patch FeederPatch, seenAt time.Time) error {
	seen := seenAt.UTC()
	row := entities.Feeder{ID: feederID, LastSeenAt: &seen}
	cols := []string{"last_seen_at", "updated_at"}

	if patch.BowlLevel != nil {
		row.BowlLevel = *patch.BowlLevel
		cols = append(cols, "bowl_level")
	}
	if patch.StorageLevel != nil {
		row.StorageLevel = *patch.StorageLevel
		cols = append(cols, "storage_level")
	}
	if patch.Weight != nil {
		row.Weight = *patch.Weight
		cols = append(cols, "weight")
	}
	if patch.StorageWeight != nil {
		row.StorageWeight = *patch.StorageWeight
		cols = append(cols, "storage_weight")
	}
	if patch.Status != nil {
		row.Status = *patch.Status
		cols = append(cols, "status")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert feeder %s: %w", feederID, err)
	}
	return nil
}

func (s *gormStore) GetFeeder(ctx context.Context, feederID string) (*entities.Feeder, error) {
	var f entities.Feeder
	err := s.db.WithContext(ctx).Where("id = ?", feederID).Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feeder %s: %w", feederID, err)
	}
	return &f, nil
}

// LinkFeeder records the owner and profile of a feeder. A feeder first seen
// through telemetry has no owner and can be claimed; relinking by the same
// owner updates the profile.
func (s *gormStore) LinkFeeder(ctx context.Context, f *entities.Feeder) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entities.Feeder
		err := tx.Where("id = ?", f.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(f).Error; err != nil {
				return fmt.Errorf("create feeder %s: %w", f.ID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("get feeder %s: %w", f.ID, err)
		}

		if existing.OwnerID != "" && existing.OwnerID != f.OwnerID {
			return ErrNotOwner
		}
		err = tx.Model(&entities.Feeder{}).Where("id = ?", f.ID).Updates(map[string]any{
			"owner_id":        f.OwnerID,
			"name":            f.Name,
			"pet_type":        f.PetType,
			"default_portion": f.DefaultPortion,
		}).Error
		if err != nil {
			return fmt.Errorf("link feeder %s: %w", f.ID, err)
		}
		return nil
	})
}

// SetWeeklySchedule validates and normalises w before storing it.
func (s *gormStore) SetWeeklySchedule(ctx context.Context, feederID string, w entities.WeeklySchedule) (entities.WeeklySchedule, error) {
	norm, err := w.Normalize()
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&entities.Feeder{}).
		Where("id = ?", feederID).
		Update("weekly_schedule", datatypes.NewJSONType(norm))
	if res.Error != nil {
		return nil, fmt.Errorf("set weekly schedule %s: %w", feederID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return norm, nil
}

func (s *gormStore) ListFeedersWithWeekly(ctx context.Context) ([]entities.Feeder, error) {
	var rows []entities.Feeder
	if err := s.db.WithContext(ctx).Where("weekly_schedule IS NOT NULL").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list weekly feeders: %w", err)
	}
	out := rows[:0]
	for _, f := range rows {
		if len(f.Weekly()) > 0 {
			out = append(out, f)
		}
	}
	return out, nil
}

// ListDueSchedules returns unsent schedules at or before now whose lease is free.
// Rows without a feeder or with a non-positive portion are never due, so they
// cannot fill the batch ahead of valid rows.
func (s *gormStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]entities.FeedingSchedule, error) {
	now = now.UTC()
	q := s.db.WithContext(ctx).
		Where("sent = ? AND scheduled_time <= ? AND (claimed_until IS NULL OR claimed_until < ?)", false, now, now).
		Where("feeder_id <> '' AND portion_size > 0").
		Order("scheduled_time")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []entities.FeedingSchedule
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return rows, nil
}

// ClaimSchedule takes the lease on a due schedule with a single conditional
// UPDATE. ErrClaimLost means another dispatcher holds it or it was already sent.
func (s *gormStore) ClaimSchedule(ctx context.Context, scheduleID, token string, now, until time.Time) error {
	now, until = now.UTC(), until.UTC()
	res := s.db.WithContext(ctx).Model(&entities.FeedingSchedule{}).
		Where("id = ? AND sent = ? AND (claimed_until IS NULL OR claimed_until < ?)", scheduleID, false, now).
		Updates(map[string]any{
			"claim_token":   token,
			"claimed_until": until,
		})
	if res.Error != nil {
		return fmt.Errorf("claim schedule %s: %w", scheduleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkScheduleSent flips sent to true, only for the holder of token.
func (s *gormStore) MarkScheduleSent(ctx context.Context, scheduleID, token string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&entities.FeedingSchedule{}).
		Where("id = ? AND claim_token = ? AND sent = ?", scheduleID, token, false).
		Updates(map[string]any{
			"claim_token":   "",
			"claimed_until": nil,
			"sent":          true,
			"sent_at":       at,
		})
	if res.Error != nil {
		return fmt.Errorf("mark schedule %s sent: %w", scheduleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseSchedule drops the lease so the schedule is due again on the next tick.
func (s *gormStore) ReleaseSchedule(ctx context.Context, scheduleID, token string) error {
	res := s.db.WithContext(ctx).Model(&entities.FeedingSchedule{}).
		Where("id = ? AND claim_token = ? AND sent = ?", scheduleID, token, false).
		Updates(map[string]any{
			"claim_token":   "",
			"claimed_until": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("release schedule %s: %w", scheduleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *gormStore) CreateSchedules(ctx context.Context, schedules []entities.FeedingSchedule) error {
	if len(schedules) == 0 {
		return nil
	}
	for i := range schedules {
		if schedules[i].ID == "" {
			schedules[i].ID = uuid.NewString()
		}
		schedules[i].ScheduledTime = schedules[i].ScheduledTime.UTC()
	}
	if err := s.db.WithContext(ctx).CreateInBatches(schedules, 100).Error; err != nil {
		return fmt.Errorf("create schedules: %w", err)
	}
	return nil
}

// NextPendingSchedule returns the earliest unsent schedule strictly after after.
func (s *gormStore) NextPendingSchedule(ctx context.Context, feederID string, after time.Time) (*entities.FeedingSchedule, error) {
	var row entities.FeedingSchedule
	err := s.db.WithContext(ctx).
		Where("feeder_id = ? AND sent = ? AND scheduled_time > ?", feederID, false, after.UTC()).
		Order("scheduled_time").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next schedule %s: %w", feederID, err)
	}
	return &row, nil
}

// ClaimRecurring inserts the (feeder, slot) row. Only the first caller for a
// slot succeeds; everyone else gets ErrClaimLost.
func (s *gormStore) ClaimRecurring(ctx context.Context, feederID string, slot time.Time) error {
	row := entities.RecurringClaim{FeederID: feederID, Slot: slot.UTC(), Outcome: OutcomeClaimed}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("claim recurring %s@%s: %w", feederID, slot.UTC().Format(time.RFC3339), res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *gormStore) SetRecurringOutcome(ctx context.Context, feederID string, slot time.Time, outcome string) error {
	res := s.db.WithContext(ctx).Model(&entities.RecurringClaim{}).
		Where("feeder_id = ? AND slot = ?", feederID, slot.UTC()).
		Update("outcome", outcome)
	if res.Error != nil {
		return fmt.Errorf("set recurring outcome %s: %w", feederID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) AppendLog(ctx context.Context, l *entities.FeedingLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("append feeding log %s: %w", l.FeederID, err)
	}
	return nil
}

func (s *gormStore) AppendNotification(ctx context.Context, n *entities.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("append notification %s: %w", n.FeederID, err)
	}
	return nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
