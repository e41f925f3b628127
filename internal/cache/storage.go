package cache

import (
	"context"
	"fmt"
)

// Backend names accepted by New
const (
	BackendMemory  = "memory"
	BackendDisk    = "disk"
	BackendRedis   = "redis"
	BackendMongoDB = "mongodb"
	BackendSQLite  = "sqlite"
)

// Config selects and configures a storage backend
type Config struct {
	Backend string
	// Folder is the root directory of the disk backend
	Folder     string
	Redis      RedisConfig
	MongoDB    MongoDBConfig
	SQLitePath string
}

// New creates the Storage described by cfg
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendDisk:
		disk := NewDisk(cfg.Folder)
		if err := disk.Init(); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		return disk, nil
	case BackendRedis:
		s, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMongoDB:
		s, err := NewMongoDB(ctx, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s (valid: memory, disk, redis, mongodb, sqlite)", cfg.Backend)
	}
}
