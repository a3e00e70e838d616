package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sqlassist/pkg/logger"
)

// Type 标识会话事件的种类。
type Type string

// 会话生命周期中发布的事件。
const (
	TypeTurnCompleted     Type = "turn.completed"
	TypeSkillLoaded       Type = "skill.loaded"
	TypeApprovalRequested Type = "approval.requested"
	TypeApprovalDecided   Type = "approval.decided"
	TypeStatementExecuted Type = "statement.executed"
	TypeThreadRecovered   Type = "thread.recovered"
)

// Event 描述一次状态迁移，发布后由审计或下游系统消费。
type Event struct {
	Type       Type              `json:"type"`
	ThreadID   string            `json:"thread_id"`
	State      string            `json:"state"`
	Version    int64             `json:"version"`
	ProposalID string            `json:"proposal_id,omitempty"`
	Statement  string            `json:"statement,omitempty"`
	Decision   string            `json:"decision,omitempty"`
	Source     string            `json:"source,omitempty"`
	SkillID    string            `json:"skill_id,omitempty"`
	RowCount   int               `json:"row_count,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher 负责把事件投递到某个目的地。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Fanout 将事件依次投递给所有发布器，并汇总错误。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建组合发布器，nil 项会被忽略。
func NewFanout(publishers ...Publisher) *Fanout {
	list := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			list = append(list, p)
		}
	}
	return &Fanout{publishers: list}
}

// Name 实现 Publisher 接口。
func (f *Fanout) Name() string { return "fanout" }

// Publish 广播事件。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher 把事件写入审计日志。
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher 使用审计日志创建发布器。
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logger.Audit()}
}

// Name 实现 Publisher 接口。
func (p *LogPublisher) Name() string { return "log" }

// Publish 写入一条结构化审计记录。
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	attrs := []any{
		"event", string(event.Type),
		"thread_id", event.ThreadID,
		"state", event.State,
		"version", event.Version,
	}
	if event.ProposalID != "" {
		attrs = append(attrs, "proposal_id", event.ProposalID)
	}
	if event.Statement != "" {
		attrs = append(attrs, "statement", event.Statement)
	}
	if event.Decision != "" {
		attrs = append(attrs, "decision", event.Decision, "source", event.Source)
	}
	if event.SkillID != "" {
		attrs = append(attrs, "skill_id", event.SkillID)
	}
	if event.Type == TypeStatementExecuted {
		attrs = append(attrs, "row_count", event.RowCount)
	}
	if event.ErrorCode != "" {
		attrs = append(attrs, "error_code", event.ErrorCode)
	}
	p.log.InfoContext(ctx, "thread event", attrs...)
	return nil
}

// Noop 丢弃所有事件。
type Noop struct{}

// Name 实现 Publisher 接口。
func (Noop) Name() string { return "noop" }

// Publish 实现 Publisher 接口。
func (Noop) Publish(context.Context, Event) error { return nil }

var (
	_ Publisher = (*Fanout)(nil)
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = Noop{}
)
