package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sqlassist/internal/events"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/llm"
	"sqlassist/internal/session"
	"sqlassist/internal/skills"
	"sqlassist/internal/sqlexec"
)

// State 是会话状态机的状态。
type State string

// 会话状态。只有 IDLE 接受新消息，只有 AWAITING_APPROVAL 接受审批。
const (
	StateIdle             State = "IDLE"
	StateReasoning        State = "REASONING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateExecuting        State = "EXECUTING"
)

// Mode 描述语句的执行方式。
type Mode string

// 执行方式。
const (
	ModeAutomatic   Mode = "automatic"
	ModeHumanInLoop Mode = "human-in-the-loop"
)

// Role 标识一条 Turn 的来源。
type Role string

// Turn 角色。
const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystemNote Role = "system-note"
)

// TurnError 是附着在 Turn 上的错误信息。
type TurnError struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// Turn 是会话历史中的一条记录，只追加不修改。
type Turn struct {
	Role      Role            `json:"role"`
	Text      string          `json:"text"`
	Result    *sqlexec.Result `json:"result,omitempty"`
	Error     *TurnError      `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProposalStatus 是提案的审批状态。
type ProposalStatus string

// 提案状态。离开 pending 后不再改变。
const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// DecisionSource 记录审批决定由谁做出。
type DecisionSource string

// 审批来源。
const (
	SourceAuto  DecisionSource = "auto"
	SourceHuman DecisionSource = "human"
)

// Proposal 是模型给出的待执行语句。
type Proposal struct {
	ID        string         `json:"id"`
	Statement string         `json:"statement"`
	Text      string         `json:"text,omitempty"`
	TurnIndex int            `json:"turn_index"`
	Status    ProposalStatus `json:"status"`
	Source    DecisionSource `json:"source,omitempty"`
	Feedback  string         `json:"feedback,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// LoadedSkill 是已加载进会话上下文的技能，加载后不会卸载。
type LoadedSkill struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Thread 是一个会话的完整状态。
type Thread struct {
	ID        string        `json:"id"`
	Mode      Mode          `json:"mode"`
	State     State         `json:"state"`
	History   []Turn        `json:"history"`
	Proposals []Proposal    `json:"proposals"`
	Skills    []LoadedSkill `json:"skills"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	outbox []events.Event
}

func newThread(id string, now time.Time) *Thread {
	return &Thread{
		ID:        id,
		Mode:      ModeHumanInLoop,
		State:     StateIdle,
		History:   []Turn{},
		Proposals: []Proposal{},
		Skills:    []LoadedSkill{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Pending 返回处于 pending 状态的提案，没有则返回 nil。
func (t *Thread) Pending() *Proposal {
	if i := t.pendingIndex(); i >= 0 {
		return &t.Proposals[i]
	}
	return nil
}

func (t *Thread) pendingIndex() int {
	for i := range t.Proposals {
		if t.Proposals[i].Status == ProposalPending {
			return i
		}
	}
	return -1
}

// HasSkill 判断技能是否已加载。
func (t *Thread) HasSkill(id string) bool {
	for _, s := range t.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (t *Thread) appendTurn(turn Turn) int {
	t.History = append(t.History, turn)
	return len(t.History) - 1
}

func (t *Thread) emit(e events.Event) {
	t.outbox = append(t.outbox, e)
}

// reasoningContext 组装发给推理适配器的上下文。
func (t *Thread) reasoningContext(catalog []skills.Summary, allowSkills bool) llm.Context {
	history := make([]llm.Turn, 0, len(t.History))
	for _, turn := range t.History {
		role := llm.RoleUser
		switch turn.Role {
		case RoleAssistant:
			role = llm.RoleAssistant
		case RoleSystemNote:
			role = llm.RoleSystem
		}
		history = append(history, llm.Turn{Role: role, Text: turn.Text})
	}
	loaded := make([]llm.LoadedSkill, 0, len(t.Skills))
	for _, s := range t.Skills {
		loaded = append(loaded, llm.LoadedSkill{ID: s.ID, Content: s.Content})
	}
	return llm.Context{
		History:            history,
		LoadedSkills:       loaded,
		Catalog:            catalog,
		AllowSkillRequests: allowSkills,
	}
}

func encodeThread(t *Thread) (*session.Record, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	return &session.Record{
		ID:        t.ID,
		Version:   t.Version,
		State:     string(t.State),
		Payload:   payload,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}, nil
}

// decodeThread 以 UseNumber 解码，结果中的数字保持原始精度。
func decodeThread(rec *session.Record) (*Thread, error) {
	dec := json.NewDecoder(bytes.NewReader(rec.Payload))
	dec.UseNumber()
	var t Thread
	if err := dec.Decode(&t); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析会话 %s 失败", rec.ID))
	}
	t.Version = rec.Version
	if t.History == nil {
		t.History = []Turn{}
	}
	if t.Proposals == nil {
		t.Proposals = []Proposal{}
	}
	if t.Skills == nil {
		t.Skills = []LoadedSkill{}
	}
	return &t, nil
}

// proposalText 还原包含语句代码块的助手回复，供后续推理引用。
func proposalText(p Proposal) string {
	var b strings.Builder
	if p.Text != "" {
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("```sql\n")
	b.WriteString(p.Statement)
	b.WriteString("\n```")
	return b.String()
}
