package session

import (
	"context"
	"fmt"

	"sqlassist/internal/config"
	xerrors "sqlassist/internal/errors"
	"sqlassist/pkg/logger"
)

// Open 根据配置创建会话存储与配套的锁。
// memory 与 mysql 使用进程内锁，redis 使用共享的租约锁。
func Open(ctx context.Context, cfg config.SessionConfig) (Store, Locker, error) {
	log := logger.Named("session")

	switch cfg.Driver {
	case "", "memory":
		log.Info("using in-memory session store")
		return NewMemoryStore(), NewLocalLocker(), nil
	case "redis":
		client, err := NewRedisClient(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using redis session store", "address", cfg.Redis.Address, "prefix", cfg.Redis.Prefix)
		return NewRedisStore(client, cfg.Redis.Prefix, cfg.Redis.TTL()),
			NewRedisLocker(client, cfg.Redis.Prefix, cfg.Redis.LockTTL()), nil
	case "mysql":
		store, err := OpenMySQL(ctx, MySQLConfig{
			DSN:          cfg.MySQL.ResolveDSN(),
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using mysql session store")
		return store, NewLocalLocker(), nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的会话存储: %s", cfg.Driver))
	}
}
