package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "sqlassist/internal/errors"
)

// MySQLConfig 描述 MySQL 会话存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 把会话保存在 threads 表中，以 version 列实现乐观锁。
type MySQLStore struct {
	db *sql.DB
}

// OpenMySQL 连接数据库并执行内置迁移。
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := NewMySQLStore(db)
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStore 使用已有连接创建存储，不执行迁移。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

const (
	selectThreadSQL = `SELECT id, version, state, payload, created_at, updated_at FROM threads WHERE id = ?`
	insertThreadSQL = `INSERT INTO threads (id, version, state, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	updateThreadSQL = `UPDATE threads SET version = ?, state = ?, payload = ?, updated_at = ? WHERE id = ? AND version = ?`
)

// Get 查询指定会话。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		rec       Record
		payload   []byte
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, selectThreadSQL, id).
		Scan(&rec.ID, &rec.Version, &rec.State, &payload, &createdAt, &updatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	rec.Payload = payload
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// Save 新建时插入，更新时以旧版本号作为条件。
func (s *MySQLStore) Save(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	if rec.Version == 1 {
		_, err := s.db.ExecContext(ctx, insertThreadSQL,
			rec.ID,
			rec.Version,
			rec.State,
			string(rec.Payload),
			rec.CreatedAt.UnixMilli(),
			rec.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			var mysqlErr *mysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return xerrors.Wrap(xerrors.CodeConflict, err, "会话已存在",
					xerrors.WithMetadata("thread_id", rec.ID))
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, updateThreadSQL,
		rec.Version,
		rec.State,
		string(rec.Payload),
		rec.UpdatedAt.UnixMilli(),
		rec.ID,
		rec.Version-1,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		return xerrors.New(xerrors.CodeConflict, "会话版本已变化或不存在",
			xerrors.WithMetadata("thread_id", rec.ID))
	}
	return nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
