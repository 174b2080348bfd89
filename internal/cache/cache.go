// Package cache keeps the most recent measurement of each sensor so that
// per-sensor "latest" reads do not have to scan the store.
package cache

import (
	"context"

	"procodus.dev/hemrs/internal/store"
)

// Latest caches the newest measurement per sensor. Set never replaces an
// entry with an older measurement, so out-of-order writers cannot regress it.
// Writers that fail to Set must Delete the entry so reads fall back to the store.
type Latest interface {
	Get(ctx context.Context, sensorID int64) (store.Measurement, bool, error)
	Set(ctx context.Context, m store.Measurement) error
	Delete(ctx context.Context, sensorID int64) error
	Close() error
}
