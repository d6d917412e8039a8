// Package dedup remembers keys for a TTL so repeated deliveries of the same
// request are processed once.
package dedup

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// IDeduper reports whether id is seen for the first time within the TTL window.
// The first caller for an id gets true, every later caller false until it expires.
// Forget releases an id whose processing failed so a retry is accepted.
type IDeduper interface {
	ShouldProcess(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Deduper is the in-process implementation, suitable for a single replica.
type Deduper struct {
	ttl  time.Duration
	seen *cache.Cache
}

func New(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{ttl: ttl, seen: cache.New(ttl, 2*ttl)}
}

func (d *Deduper) ShouldProcess(_ context.Context, id string) (bool, error) {
	if id == "" {
		return true, nil
	}
	// Add is atomic: it fails when a live entry already exists.
	if err := d.seen.Add(id, struct{}{}, d.ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Forget drops id so it can be processed again.
func (d *Deduper) Forget(_ context.Context, id string) error {
	d.seen.Delete(id)
	return nil
}
