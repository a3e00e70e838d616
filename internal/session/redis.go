package session

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "sqlassist/internal/errors"
)

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient 建立连接并执行一次 PING。
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

// DefaultRedisPrefix 是会话与锁共用的键前缀。
// 会话位于 <prefix>thread:<id>，租约位于 <prefix>lock:<id>，两个命名空间互不重叠。
const DefaultRedisPrefix = "sqlassist:"

const (
	threadNamespace = "thread:"
	lockNamespace   = "lock:"
)

// RedisStore 以 JSON 字符串形式把会话保存在 Redis 中，
// 通过 WATCH/MULTI 保证版本检查与写入的原子性。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 会话存储。ttl 为 0 表示不过期。
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix + threadNamespace, ttl: ttl}
}

type redisEnvelope struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	State     string          `json:"state"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Get 读取会话记录。
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话失败")
	}
	return decodeEnvelope(raw)
}

// Save 在 WATCH 保护下检查版本并写入。
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if !json.Valid(rec.Payload) {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话内容必须是合法 JSON")
	}
	encoded, err := json.Marshal(redisEnvelope{
		ID:        rec.ID,
		Version:   rec.Version,
		State:     rec.State,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化会话失败")
	}

	key := s.key(rec.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case stdErrors.Is(err, redis.Nil):
		case err != nil:
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话失败")
		default:
			existing, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			current = existing.Version
		}
		if rec.Version != current+1 {
			return conflict(rec.ID, rec.Version, current)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, redis.TxFailedErr):
		return xerrors.Wrap(xerrors.CodeConflict, err, "会话在写入期间被并发修改",
			xerrors.WithMetadata("thread_id", rec.ID))
	default:
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 会话失败")
	}
}

// Close 关闭底层连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func decodeEnvelope(raw []byte) (*Record, error) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 会话失败")
	}
	return &Record{
		ID:        env.ID,
		Version:   env.Version,
		State:     env.State,
		Payload:   []byte(env.Payload),
		CreatedAt: env.CreatedAt,
		UpdatedAt: env.UpdatedAt,
	}, nil
}

// RedisLocker 基于 SET NX PX 的租约锁，适用于多副本共享同一 Redis。
// 租约到期后锁自动释放，因此 ttl 需要覆盖最长的一轮对话。
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker 创建 Redis 租约锁。
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix + lockNamespace, ttl: ttl, retry: 25 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 轮询获取租约，直到成功或 ctx 结束。
func (l *RedisLocker) Lock(ctx context.Context, id string) (func(), error) {
	key := l.prefix + id
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取会话锁失败")
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Locker = (*RedisLocker)(nil)
)
