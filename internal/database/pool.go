package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/semaphore"

	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/observability/metrics"
	"sqlassist/pkg/logger"
)

const (
	defaultSize           = 20
	defaultAcquireTimeout = 5 * time.Second
)

// Config 描述业务库连接池。
type Config struct {
	Driver          string
	DSN             string
	Size            int
	AcquireTimeout  time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Stats 是连接池的运行快照。
type Stats struct {
	Size      int   `json:"size"`
	InUse     int64 `json:"in_use"`
	Open      int   `json:"open"`
	Exhausted int64 `json:"exhausted"`
	Discarded int64 `json:"discarded"`
}

// Pool 限定最多 Size 条连接同时被检出；每条连接同一时刻只服务一个语句。
type Pool struct {
	db             *sql.DB
	tokens         *semaphore.Weighted
	size           int
	acquireTimeout time.Duration
	log            *slog.Logger

	inUse     atomic.Int64
	exhausted atomic.Int64
	discarded atomic.Int64
}

// Conn 是一条被检出的连接，必须通过 Pool.Release 归还。
type Conn struct {
	*sql.Conn
	released atomic.Bool
}

// Open 按驱动名打开业务库并校验连通性。驱动支持 pgx 与 mysql。
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "业务库 DSN 不能为空")
	}
	driverName := cfg.Driver
	if driverName == "" {
		driverName = "pgx"
	}
	if driverName != "pgx" && driverName != "mysql" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的数据库驱动: %s", driverName))
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开业务库失败")
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到业务库")
	}
	return New(db, cfg.Size, cfg.AcquireTimeout), nil
}

// New 用已有的 *sql.DB 构造连接池，并把 database/sql 的上限对齐到 size。
func New(db *sql.DB, size int, acquireTimeout time.Duration) *Pool {
	if size <= 0 {
		size = defaultSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	return &Pool{
		db:             db,
		tokens:         semaphore.NewWeighted(int64(size)),
		size:           size,
		acquireTimeout: acquireTimeout,
		log:            logger.Named("pool"),
	}
}

// Acquire 检出一条连接，最多等待 timeout（<=0 时使用池的默认值）。
// 超时返回 POOL_EXHAUSTED；调用方取消时返回 ctx.Err()。
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = p.acquireTimeout
	}
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err := p.tokens.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.exhausted.Add(1)
		metrics.ObservePoolExhausted()
		p.log.Warn("pool exhausted", "size", p.size, "wait", timeout)
		return nil, xerrors.New(xerrors.CodePoolExhausted,
			fmt.Sprintf("等待数据库连接超时 (%s)", timeout),
			xerrors.WithMetadata("pool_size", fmt.Sprint(p.size)))
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.tokens.Release(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "建立数据库连接失败")
	}

	p.inUse.Add(1)
	metrics.ObservePoolAcquire(time.Since(start))
	return &Conn{Conn: conn}, nil
}

// Release 归还连接。连接失效（驱动报告无效，或 cause 是连接级错误）时丢弃，
// 由 database/sql 按需重建。重复调用是安全的。
func (p *Pool) Release(c *Conn, cause error) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	defer p.tokens.Release(1)
	defer p.inUse.Add(-1)

	broken := isConnectionError(cause)
	if !broken {
		_ = c.Raw(func(dc any) error {
			if v, ok := dc.(driver.Validator); ok && !v.IsValid() {
				broken = true
			}
			return nil
		})
	}
	if broken {
		// Returning ErrBadConn from Raw makes database/sql close the
		// underlying connection instead of putting it back in the idle list.
		_ = c.Raw(func(any) error { return driver.ErrBadConn })
		p.discarded.Add(1)
		p.log.Warn("discarding broken connection", "cause", cause)
	}
	_ = c.Close()
	metrics.ObservePoolRelease(broken)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, driver.ErrBadConn) ||
		stdErrors.Is(err, sql.ErrConnDone) ||
		stdErrors.Is(err, mysql.ErrInvalidConn)
}

// Stats 返回连接池快照。
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		InUse:     p.inUse.Load(),
		Open:      p.db.Stats().OpenConnections,
		Exhausted: p.exhausted.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Size 返回连接池容量。
func (p *Pool) Size() int { return p.size }

// DriverName 返回底层驱动类型名，便于日志诊断。
func (p *Pool) DriverName() string { return fmt.Sprintf("%T", p.db.Driver()) }

// Ping 检查业务库连通性。
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close 关闭底层 *sql.DB。
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
