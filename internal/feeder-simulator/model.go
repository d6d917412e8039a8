package feeder_simulator

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
)

// Tunables of the simulated device.
type Tunables struct {
	BowlCapacity    float64 // grams
	StorageCapacity float64 // grams
	EatPerMin       float64 // grams the pet eats per minute while food is in the bowl
	Jitter          float64 // max random fraction added to consumption
}

func DefaultTunables() Tunables {
	return Tunables{BowlCapacity: 250, StorageCapacity: 2000, EatPerMin: 0.5, Jitter: 0.3}
}

// Reading is one telemetry message: metric suffix and text payload.
type Reading struct {
	Metric  string
	Payload string
}

// FeederModel tracks bowl and storage contents between readings.
type FeederModel struct {
	mu      sync.Mutex
	t       Tunables
	bowl    float64
	storage float64
	last    time.Time
	rnd     *rand.Rand
}

// NewFeederModel starts with a half-full bowl and a full storage hopper.
func NewFeederModel(t Tunables, now time.Time, seed int64) *FeederModel {
	return &FeederModel{
		t:       t,
		bowl:    t.BowlCapacity / 2,
		storage: t.StorageCapacity,
		last:    now,
		rnd:     rand.New(rand.NewSource(seed)),
	}
}

// Advance lets the pet eat for the time elapsed since the last call.
func (m *FeederModel) Advance(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := now.Sub(m.last).Minutes()
	if dt <= 0 {
		return
	}
	eaten := m.t.EatPerMin * dt * (1 + m.t.Jitter*m.rnd.Float64())
	m.bowl = math.Max(0, m.bowl-eaten)
	m.last = now
}

// Dispense moves up to portion grams from storage into the bowl and returns
// what was actually moved. A full bowl overflows nothing: excess stays in storage.
func (m *FeederModel) Dispense(portion float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := math.Min(portion, m.storage)
	moved = math.Min(moved, m.t.BowlCapacity-m.bowl)
	if moved < 0 {
		moved = 0
	}
	m.storage -= moved
	m.bowl += moved
	return moved
}

// Readings returns the current state as the device would report it.
func (m *FeederModel) Readings() []Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	return []Reading{
		{Metric: telemetry.MetricBowlPercent, Payload: format(percent(m.bowl, m.t.BowlCapacity))},
		{Metric: telemetry.MetricStoragePercent, Payload: format(percent(m.storage, m.t.StorageCapacity))},
		{Metric: telemetry.MetricWeight, Payload: format(m.bowl)},
		{Metric: telemetry.MetricStorageWeight, Payload: format(m.storage)},
		{Metric: telemetry.MetricStatus, Payload: entities.StatusOnline},
	}
}

func percent(v, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Max(0, math.Min(100, v/capacity*100))
}

func format(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', 1, 64)
}
