package llm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/observability/metrics"
	"sqlassist/internal/skills"
	"sqlassist/pkg/logger"
)

// Turn 是推理上下文中的一条历史记录。
type Turn struct {
	Role Role
	Text string
}

// LoadedSkill 是已加载进会话的技能正文。
type LoadedSkill struct {
	ID      string
	Content string
}

// Context 是一次推理调用需要的完整上下文。
type Context struct {
	History            []Turn
	LoadedSkills       []LoadedSkill
	Catalog            []skills.Summary
	AllowSkillRequests bool
}

// Adapter 把会话上下文转换为模型请求，并把模型回复解析为 Reply。
type Adapter struct {
	client  Client
	timeout time.Duration
	dialect string
	log     *slog.Logger
}

// AdapterOption 定义可选的适配器配置。
type AdapterOption func(*Adapter)

// WithTimeout 设置单次推理调用的超时时间。
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithDialect 指定提示词中声明的 SQL 方言，例如 PostgreSQL 或 MySQL。
func WithDialect(dialect string) AdapterOption {
	return func(a *Adapter) {
		if strings.TrimSpace(dialect) != "" {
			a.dialect = dialect
		}
	}
}

// NewAdapter 创建推理适配器。
func NewAdapter(client Client, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		client:  client,
		dialect: "PostgreSQL",
		log:     logger.Named("adapter"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Advance 推进一轮对话。调用方取消时返回 ctx.Err()；
// 其他后端失败统一包装为 ADAPTER_UNAVAILABLE。
func (a *Adapter) Advance(ctx context.Context, in Context) (Reply, error) {
	if a == nil || a.client == nil {
		return nil, xerrors.New(xerrors.CodeAdapterUnavailable, "未配置大模型客户端")
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := a.client.Generate(callCtx, a.BuildRequest(in))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveAdapterCall("cancelled", time.Since(start))
			return nil, ctxErr
		}
		metrics.ObserveAdapterCall("error", time.Since(start))
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeAdapterUnavailable, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeAdapterUnavailable, err, "大模型推理失败")
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		metrics.ObserveAdapterCall("empty", time.Since(start))
		return nil, xerrors.New(xerrors.CodeAdapterUnavailable, "大模型返回空内容")
	}
	metrics.ObserveAdapterCall("ok", time.Since(start))

	reply := Parse(resp.Content, in.AllowSkillRequests)
	a.log.Debug("model reply parsed", "kind", fmt.Sprintf("%T", reply), "model", resp.Model)
	return reply, nil
}

// BuildRequest 组装系统提示词与对话消息。
func (a *Adapter) BuildRequest(in Context) Request {
	return Request{
		System:   a.systemPrompt(in),
		Messages: toMessages(in.History),
	}
}

func (a *Adapter) systemPrompt(in Context) string {
	var b strings.Builder
	b.WriteString("You are a SQL assistant that answers questions about a business database.\n")
	fmt.Fprintf(&b, "You MUST write valid %s and only read data: a single SELECT or WITH query.\n", a.dialect)
	b.WriteString("When a query is needed, wrap exactly one statement in a ```sql fenced block ")
	b.WriteString("and explain briefly what it returns. The statement is shown to the user before it runs.\n")
	b.WriteString("When you can answer without querying, reply in plain text with no code block.\n")

	if len(in.Catalog) > 0 {
		b.WriteString("\n## Available skills\n\n")
		for _, s := range in.Catalog {
			fmt.Fprintf(&b, "- **%s**: %s\n", s.ID, s.Description)
		}
	}
	if in.AllowSkillRequests {
		fmt.Fprintf(&b, "\nDo not guess the schema. To read a skill, reply with a single line `%s <skill id>` and nothing else; ", SkillMarker)
		b.WriteString("its content will be added below and you will be asked again.\n")
	} else {
		b.WriteString("\nNo further skills can be loaded for this turn. Answer with what you have.\n")
	}

	if len(in.LoadedSkills) > 0 {
		b.WriteString("\n## Loaded skills\n")
		for _, s := range in.LoadedSkills {
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", s.ID, strings.TrimSpace(s.Content))
		}
	}
	return b.String()
}

// toMessages maps history onto chat roles. System notes become user-side
// messages tagged as notes so the model sees them in order.
func toMessages(history []Turn) []Message {
	out := make([]Message, 0, len(history))
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Role {
		case RoleAssistant:
			out = append(out, Message{Role: RoleAssistant, Content: text})
		case RoleSystem:
			out = append(out, Message{Role: RoleUser, Content: "[system note] " + text})
		default:
			out = append(out, Message{Role: RoleUser, Content: text})
		}
	}
	return out
}
