package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
)

func newSQLiteStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return NewGormStore(db), db
}

func ptr[T any](v T) *T { return &v }

func TestUpsertFeederFields_PartialMerge(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seen := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.LinkFeeder(ctx, &entities.Feeder{ID: "abc123", OwnerID: "u1", Name: "Rex", BowlLevel: 10, Status: "online"}))

	require.NoError(t, s.UpsertFeederFields(ctx, "abc123", FeederPatch{StorageLevel: ptr(42.5)}, seen))

	f, err := s.GetFeeder(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 42.5, f.StorageLevel)
	assert.Equal(t, 10.0, f.BowlLevel)
	assert.Equal(t, "online", f.Status)
	assert.Equal(t, "u1", f.OwnerID)
	assert.Equal(t, "Rex", f.Name)
	require.NotNil(t, f.LastSeenAt)
	assert.True(t, f.LastSeenAt.Equal(seen))
}

func TestUpsertFeederFields_CreatesOnFirstTelemetry(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFeederFields(ctx, "new1", FeederPatch{Status: ptr("online")}, time.Now()))

	f, err := s.GetFeeder(ctx, "new1")
	require.NoError(t, err)
	assert.Equal(t, "online", f.Status)
	assert.Empty(t, f.OwnerID)
	assert.Empty(t, f.Weekly())
}

func TestUpsertFeederFields_Replay(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seen := time.Now().UTC()
	patch := FeederPatch{BowlLevel: ptr(33.0)}

	require.NoError(t, s.UpsertFeederFields(ctx, "f", patch, seen))
	first, err := s.GetFeeder(ctx, "f")
	require.NoError(t, err)

	require.NoError(t, s.UpsertFeederFields(ctx, "f", patch, seen))
	second, err := s.GetFeeder(ctx, "f")
	require.NoError(t, err)

	assert.Equal(t, first.BowlLevel, second.BowlLevel)
	assert.Equal(t, first.StorageLevel, second.StorageLevel)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.LastSeenAt.Equal(*second.LastSeenAt))
}

func TestGetFeeder_NotFound(t *testing.T) {
	s, _ := newSQLiteStore(t)
	_, err := s.GetFeeder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinkFeeder(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFeederFields(ctx, "f1", FeederPatch{Weight: ptr(120.0)}, time.Now()))
	require.NoError(t, s.LinkFeeder(ctx, &entities.Feeder{ID: "f1", OwnerID: "alice", Name: "Tom", PetType: "cat", DefaultPortion: 30}))

	f, err := s.GetFeeder(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "alice", f.OwnerID)
	assert.Equal(t, 120.0, f.Weight)
	assert.Equal(t, 30.0, f.DefaultPortion)

	err = s.LinkFeeder(ctx, &entities.Feeder{ID: "f1", OwnerID: "mallory"})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestSetWeeklySchedule_Normalises(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.LinkFeeder(ctx, &entities.Feeder{ID: "f1", OwnerID: "u"}))

	got, err := s.SetWeeklySchedule(ctx, "f1", entities.WeeklySchedule{"Monday": {"8:00", "18:30", "08:00"}})
	require.NoError(t, err)
	assert.Equal(t, entities.WeeklySchedule{"monday": {"08:00", "18:30"}}, got)

	feeders, err := s.ListFeedersWithWeekly(ctx)
	require.NoError(t, err)
	require.Len(t, feeders, 1)
	assert.True(t, feeders[0].Weekly().Has(time.Monday, "08:00"))

	_, err = s.SetWeeklySchedule(ctx, "f1", entities.WeeklySchedule{"monday": {"25:00"}})
	assert.Error(t, err)

	_, err = s.SetWeeklySchedule(ctx, "nope", entities.WeeklySchedule{"monday": {"08:00"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFeedersWithWeekly_SkipsEmpty(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.LinkFeeder(ctx, &entities.Feeder{ID: "a", OwnerID: "u"}))
	require.NoError(t, s.LinkFeeder(ctx, &entities.Feeder{ID: "b", OwnerID: "u"}))
	_, err := s.SetWeeklySchedule(ctx, "b", entities.WeeklySchedule{"friday": {"07:15"}})
	require.NoError(t, err)

	feeders, err := s.ListFeedersWithWeekly(ctx)
	require.NoError(t, err)
	require.Len(t, feeders, 1)
	assert.Equal(t, "b", feeders[0].ID)
}

func TestScheduleClaimLifecycle(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sched := []entities.FeedingSchedule{
		{FeederID: "abc123", ScheduledTime: now.Add(-time.Second), PortionSize: 50},
		{FeederID: "abc123", ScheduledTime: now.Add(time.Hour), PortionSize: 20},
	}
	require.NoError(t, s.CreateSchedules(ctx, sched))
	require.NotEmpty(t, sched[0].ID)

	due, err := s.ListDueSchedules(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	id := due[0].ID

	require.NoError(t, s.ClaimSchedule(ctx, id, "tok-a", now, now.Add(time.Minute)))
	assert.ErrorIs(t, s.ClaimSchedule(ctx, id, "tok-b", now, now.Add(time.Minute)), ErrClaimLost)

	due, err = s.ListDueSchedules(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "leased schedule is not due")

	// release makes it due again
	require.NoError(t, s.ReleaseSchedule(ctx, id, "tok-a"))
	due, err = s.ListDueSchedules(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.ClaimSchedule(ctx, id, "tok-c", now, now.Add(time.Minute)))
	assert.ErrorIs(t, s.MarkScheduleSent(ctx, id, "tok-a", now), ErrClaimLost, "stale token")
	require.NoError(t, s.MarkScheduleSent(ctx, id, "tok-c", now))

	// sent is terminal, even after the lease would have expired
	later := now.Add(time.Hour)
	assert.ErrorIs(t, s.ClaimSchedule(ctx, id, "tok-d", later, later.Add(time.Minute)), ErrClaimLost)
	assert.ErrorIs(t, s.ReleaseSchedule(ctx, id, "tok-c"), ErrClaimLost)
}

func TestClaimSchedule_ExpiredLeaseIsReclaimable(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sched := []entities.FeedingSchedule{{FeederID: "f", ScheduledTime: now.Add(-time.Minute), PortionSize: 5}}
	require.NoError(t, s.CreateSchedules(ctx, sched))

	require.NoError(t, s.ClaimSchedule(ctx, sched[0].ID, "crashed", now, now.Add(time.Minute)))

	after := now.Add(2 * time.Minute)
	due, err := s.ListDueSchedules(ctx, after, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, s.ClaimSchedule(ctx, sched[0].ID, "next", after, after.Add(time.Minute)))
}

func TestClaimSchedule_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sched := []entities.FeedingSchedule{{FeederID: "f", ScheduledTime: now.Add(-time.Second), PortionSize: 5}}
	require.NoError(t, s.CreateSchedules(ctx, sched))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.ClaimSchedule(ctx, sched[0].ID, fmt.Sprintf("tok-%d", i), now, now.Add(time.Minute)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimRecurring(t *testing.T) {
	s, db := newSQLiteStore(t)
	ctx := context.Background()
	slot := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.ClaimRecurring(ctx, "f", slot))
	assert.ErrorIs(t, s.ClaimRecurring(ctx, "f", slot), ErrClaimLost)
	require.NoError(t, s.ClaimRecurring(ctx, "g", slot))
	require.NoError(t, s.ClaimRecurring(ctx, "f", slot.Add(7*24*time.Hour)))

	require.NoError(t, s.SetRecurringOutcome(ctx, "f", slot, OutcomeFailed))
	var claim entities.RecurringClaim
	require.NoError(t, db.Where("feeder_id = ? AND slot = ?", "f", slot).Take(&claim).Error)
	assert.Equal(t, OutcomeFailed, claim.Outcome)

	assert.ErrorIs(t, s.SetRecurringOutcome(ctx, "zzz", slot, OutcomeSent), ErrNotFound)
}

func TestNextPendingSchedule(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.NextPendingSchedule(ctx, "f", now)
	assert.ErrorIs(t, err, ErrNotFound)

	sched := []entities.FeedingSchedule{
		{FeederID: "f", ScheduledTime: now.Add(3 * time.Hour), PortionSize: 1},
		{FeederID: "f", ScheduledTime: now.Add(time.Hour), PortionSize: 2},
		{FeederID: "f", ScheduledTime: now.Add(-time.Hour), PortionSize: 3},
		{FeederID: "other", ScheduledTime: now.Add(time.Minute), PortionSize: 4},
	}
	require.NoError(t, s.CreateSchedules(ctx, sched))

	next, err := s.NextPendingSchedule(ctx, "f", now)
	require.NoError(t, err)
	assert.Equal(t, 2.0, next.PortionSize)
}

func TestAppendAudit(t *testing.T) {
	s, db := newSQLiteStore(t)
	ctx := context.Background()

	l := &entities.FeedingLog{FeederID: "f", PortionSize: 50, Source: entities.SourceScheduled, ScheduleID: "s1"}
	require.NoError(t, s.AppendLog(ctx, l))
	assert.NotEmpty(t, l.ID)

	n := &entities.Notification{FeederID: "f", Status: entities.NotificationFailed, Source: entities.SourceManual, Message: "boom"}
	require.NoError(t, s.AppendNotification(ctx, n))

	var logs int64
	require.NoError(t, db.Model(&entities.FeedingLog{}).Count(&logs).Error)
	assert.Equal(t, int64(1), logs)

	var got entities.Notification
	require.NoError(t, db.Take(&got, "id = ?", n.ID).Error)
	assert.Equal(t, entities.NotificationFailed, got.Status)
	assert.Equal(t, "boom", got.Message)

	require.NoError(t, s.Ping(ctx))
}

func TestListDueSchedules_SkipsInvalidRows(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSchedules(ctx, []entities.FeedingSchedule{
		{ID: "orphan", FeederID: "", ScheduledTime: now.Add(-3 * time.Hour), PortionSize: 10},
		{ID: "zero", FeederID: "f", ScheduledTime: now.Add(-2 * time.Hour), PortionSize: 0},
		{ID: "negative", FeederID: "f", ScheduledTime: now.Add(-time.Hour), PortionSize: -5},
		{ID: "valid", FeederID: "f", ScheduledTime: now.Add(-time.Minute), PortionSize: 20},
	}))

	due, err := s.ListDueSchedules(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "valid", due[0].ID)
}
