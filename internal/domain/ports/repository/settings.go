package repository

import "context"

// SettingsRepository is the key/value settings facility.
type SettingsRepository interface {
	// NextSequence atomically bumps the integer stored under key and returns
	// the new value. Inside a transaction the bump rolls back with it.
	NextSequence(ctx context.Context, tx Tx, key string) (int64, error)
}
