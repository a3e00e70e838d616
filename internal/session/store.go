package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "sqlassist/internal/errors"
)

// Record 是一条会话的持久化形态。Payload 为会话主体的 JSON 编码，
// 存储层只理解版本号与状态，不解析 Payload 的内容。
type Record struct {
	ID        string
	Version   int64
	State     string
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Payload = append([]byte(nil), r.Payload...)
	return &clone
}

// Store 抽象了会话记录的持久化接口。
//
// Save 采用乐观并发控制：新建记录的 Version 必须为 1，
// 更新时 Version 必须恰好比已存储的版本大 1，否则返回 CONFLICT。
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Close() error
}

// Locker 为单个会话提供互斥，保证同一会话的轮次严格串行。
type Locker interface {
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeThreadNotFound, fmt.Sprintf("会话 %s 不存在", id),
		xerrors.WithMetadata("thread_id", id))
}

func conflict(id string, want, have int64) error {
	return xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("会话 %s 版本冲突: 写入 %d, 当前 %d", id, want, have),
		xerrors.WithMetadata("thread_id", id))
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话记录不能为空")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if rec.Version < 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话版本号必须从 1 开始")
	}
	return nil
}
