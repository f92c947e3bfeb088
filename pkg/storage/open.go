package storage

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Open returns a KV for the named driver. dsn is a file path for "file" and
// "sqlite", a redis:// URL for "redis", and ignored for "memory".
func Open(ctx context.Context, driver, dsn string) (KV, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryKV(), nil
	case DriverFile, "":
		return OpenFileKV(dsn)
	case DriverSQLite:
		return OpenSQLiteKV(dsn)
	case DriverRedis:
		return OpenRedisKV(ctx, dsn, "shinara:")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
