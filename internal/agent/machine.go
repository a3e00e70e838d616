package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sqlassist/internal/events"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/llm"
	"sqlassist/internal/observability/metrics"
	"sqlassist/internal/session"
	"sqlassist/internal/skills"
	"sqlassist/internal/sqlexec"
	"sqlassist/pkg/logger"
)

// Reasoner 根据会话上下文推进一轮推理。
type Reasoner interface {
	Advance(ctx context.Context, in llm.Context) (llm.Reply, error)
}

// Runner 执行一条只读语句。
type Runner interface {
	Execute(ctx context.Context, statement string) (*sqlexec.Result, error)
}

// ResponseStatus 是一次调用返回给客户端的状态。
type ResponseStatus string

// 返回状态。
const (
	StatusOK               ResponseStatus = "ok"
	StatusApprovalRequired ResponseStatus = "approval_required"
)

// Decision 是人工审批的结论。
type Decision string

// 审批结论。
const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision 解析审批结论，大小写不敏感。
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的审批结论: %q", s))
	}
}

// TurnResult 是 SubmitMessage 与 SubmitApproval 的返回值。
type TurnResult struct {
	ThreadID string          `json:"thread_id"`
	Status   ResponseStatus  `json:"status"`
	State    State           `json:"state"`
	Response string          `json:"response,omitempty"`
	Proposal *Proposal       `json:"proposal,omitempty"`
	Result   *sqlexec.Result `json:"structured_data,omitempty"`
	Error    *TurnError      `json:"error,omitempty"`
}

const (
	// DefaultMaxSkillLoads 是单轮内允许的技能加载次数。
	DefaultMaxSkillLoads = 5
	// DefaultSummaryRows 是结果摘要写入会话历史的行数。
	DefaultSummaryRows = 10
)

// Machine 是会话状态机，协调推理、技能加载、审批闸门与语句执行。
type Machine struct {
	reasoner      Reasoner
	runner        Runner
	skills        skills.Provider
	store         session.Store
	locker        session.Locker
	publisher     events.Publisher
	maxSkillLoads int
	summaryRows   int
	now           func() time.Time
	newID         func() string
	log           *slog.Logger
}

// Option 定义可选的状态机配置。
type Option func(*Machine)

// WithMaxSkillLoads 设置单轮技能加载上限。
func WithMaxSkillLoads(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.maxSkillLoads = n
		}
	}
}

// WithLocker 指定会话锁，默认使用进程内锁。
func WithLocker(l session.Locker) Option {
	return func(m *Machine) {
		if l != nil {
			m.locker = l
		}
	}
}

// WithPublisher 指定事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithSummaryRows 设置写入历史的结果摘要行数。
func WithSummaryRows(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.summaryRows = n
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator 替换会话与提案 ID 的生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(m *Machine) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// New 创建状态机。
func New(reasoner Reasoner, runner Runner, provider skills.Provider, store session.Store, opts ...Option) *Machine {
	m := &Machine{
		reasoner:      reasoner,
		runner:        runner,
		skills:        provider,
		store:         store,
		locker:        session.NewLocalLocker(),
		publisher:     events.Noop{},
		maxSkillLoads: DefaultMaxSkillLoads,
		summaryRows:   DefaultSummaryRows,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		log:           logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.skills == nil {
		m.skills = skills.NewStore()
	}
	return m
}

func (m *Machine) ready() error {
	switch {
	case m == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "状态机未初始化")
	case m.reasoner == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置推理适配器")
	case m.runner == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置语句执行器")
	case m.store == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储")
	}
	return nil
}

// SubmitMessage 处理一条用户消息。threadID 为空时创建新会话。
//
// 推理失败或调用方在提案落库前取消时不写入任何内容，会话保持原状。
// autoExecute 为 true 时提案直接执行，外部不会观察到 AWAITING_APPROVAL。
func (m *Machine) SubmitMessage(ctx context.Context, threadID, text string, autoExecute bool) (result *TurnResult, err error) {
	defer func() { metrics.ObserveTurn("message", outcomeOf(ctx, result, err)) }()

	if err := m.ready(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		threadID = m.newID()
	}

	unlock, err := m.locker.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	th, err := m.load(ctx, threadID, true)
	if err != nil {
		return nil, err
	}
	if th.State != StateIdle {
		return nil, invalidTransition(th, "接收新消息")
	}

	th.Mode = ModeHumanInLoop
	if autoExecute {
		th.Mode = ModeAutomatic
	}
	th.appendTurn(Turn{Role: RoleUser, Text: text, CreatedAt: m.now()})
	th.State = StateReasoning

	reply, err := m.reason(ctx, th)
	if err != nil {
		return nil, err
	}

	if proposal, ok := reply.(llm.Proposal); ok {
		return m.propose(ctx, th, proposal, autoExecute)
	}

	metrics.ObserveGateDecision(string(GateNone))
	th.appendTurn(Turn{Role: RoleAssistant, Text: reply.Prose(), CreatedAt: m.now()})
	th.State = StateIdle
	th.emit(events.Event{Type: events.TypeTurnCompleted})
	if err := m.persist(ctx, th); err != nil {
		return nil, err
	}
	return &TurnResult{ThreadID: th.ID, Status: StatusOK, State: th.State, Response: reply.Prose()}, nil
}

// SubmitApproval 对待审批的提案做出决定。只在 AWAITING_APPROVAL 状态有效，
// 因此重复提交的审批会得到 INVALID_STATE_TRANSITION，语句不会被再次执行。
func (m *Machine) SubmitApproval(ctx context.Context, threadID string, decision Decision, feedback string) (result *TurnResult, err error) {
	defer func() { metrics.ObserveTurn("approval", outcomeOf(ctx, result, err)) }()

	if err := m.ready(); err != nil {
		return nil, err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "thread_id 不能为空")
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的审批结论: %q", decision))
	}

	unlock, err := m.locker.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	th, err := m.load(ctx, threadID, false)
	if err != nil {
		return nil, err
	}
	idx := th.pendingIndex()
	if th.State != StateAwaitingApproval || idx < 0 {
		return nil, invalidTransition(th, "接收审批")
	}

	now := m.now()
	p := &th.Proposals[idx]
	p.Source = SourceHuman
	p.DecidedAt = &now
	p.Feedback = strings.TrimSpace(feedback)

	if decision == DecisionReject {
		p.Status = ProposalRejected
		note := "Rejected."
		if p.Feedback != "" {
			note = "Rejected. Feedback: " + p.Feedback
		}
		th.appendTurn(Turn{Role: RoleSystemNote, Text: note, CreatedAt: now})
		th.State = StateIdle
		th.emit(events.Event{Type: events.TypeApprovalDecided, ProposalID: p.ID, Decision: string(ProposalRejected), Source: string(SourceHuman)})
		if err := m.persist(ctx, th); err != nil {
			return nil, err
		}
		return &TurnResult{ThreadID: th.ID, Status: StatusOK, State: th.State, Response: "The proposed statement was rejected and not executed."}, nil
	}

	p.Status = ProposalApproved
	th.State = StateExecuting
	th.emit(events.Event{Type: events.TypeApprovalDecided, ProposalID: p.ID, Statement: p.Statement, Decision: string(ProposalApproved), Source: string(SourceHuman)})
	if err := m.persist(ctx, th); err != nil {
		return nil, err
	}
	return m.execute(ctx, th, idx)
}

// GetThread 返回会话快照。
func (m *Machine) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if m == nil || m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "thread_id 不能为空")
	}
	rec, err := m.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return decodeThread(rec)
}

// Skills 返回技能目录。
func (m *Machine) Skills() []skills.Summary {
	return m.skills.DescribeAll()
}

func (m *Machine) load(ctx context.Context, id string, create bool) (*Thread, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if create && xerrors.IsCode(err, xerrors.CodeThreadNotFound) {
			return newThread(id, m.now()), nil
		}
		return nil, err
	}
	th, err := decodeThread(rec)
	if err != nil {
		return nil, err
	}
	m.recover(th)
	return th, nil
}

// recover 处理持锁读到的中间状态：持有锁意味着上一个处理者已经不在了。
func (m *Machine) recover(th *Thread) {
	if th.State != StateReasoning && th.State != StateExecuting {
		return
	}
	from := th.State
	note := "The previous turn was interrupted before it completed."
	if from == StateExecuting {
		note = "The previous statement was interrupted while executing; its result is unknown."
	}
	th.appendTurn(Turn{Role: RoleSystemNote, Text: note, CreatedAt: m.now()})
	th.State = StateIdle
	th.emit(events.Event{Type: events.TypeThreadRecovered, Metadata: map[string]string{"from": string(from)}})
	m.log.Warn("recovered interrupted thread", "thread_id", th.ID, "from", from)
}

// reason 驱动有界的技能加载循环。超过上限后再推理一次，并禁止技能请求。
func (m *Machine) reason(ctx context.Context, th *Thread) (llm.Reply, error) {
	catalog := m.skills.DescribeAll()
	attempts := 0
	for {
		allow := attempts < m.maxSkillLoads
		reply, err := m.reasoner.Advance(ctx, th.reasoningContext(catalog, allow))
		if err != nil {
			return nil, err
		}
		req, ok := reply.(llm.SkillRequest)
		if !ok {
			return reply, nil
		}
		if !allow {
			return llm.Answer{Text: skillRequestText(req)}, nil
		}
		attempts++
		th.appendTurn(Turn{Role: RoleAssistant, Text: skillRequestText(req), CreatedAt: m.now()})
		m.loadSkill(th, req.SkillID, catalog)
	}
}

func (m *Machine) loadSkill(th *Thread, id string, catalog []skills.Summary) {
	var note, outcome string
	if th.HasSkill(id) {
		note = fmt.Sprintf("Skill %q is already loaded; its content is in your instructions.", id)
		outcome = "duplicate"
	} else if content, err := m.skills.Load(id); err != nil {
		ids := make([]string, 0, len(catalog))
		for _, s := range catalog {
			ids = append(ids, s.ID)
		}
		note = fmt.Sprintf("Skill %q does not exist. Available skills: %s.", id, strings.Join(ids, ", "))
		outcome = "not_found"
	} else {
		th.Skills = append(th.Skills, LoadedSkill{ID: id, Content: content, LoadedAt: m.now()})
		note = fmt.Sprintf("Skill %q loaded.", id)
		outcome = "loaded"
		th.emit(events.Event{Type: events.TypeSkillLoaded, SkillID: id})
	}
	metrics.ObserveSkillLoad(outcome)
	th.appendTurn(Turn{Role: RoleSystemNote, Text: note, CreatedAt: m.now()})
}

func (m *Machine) propose(ctx context.Context, th *Thread, r llm.Proposal, autoExecute bool) (*TurnResult, error) {
	now := m.now()
	p := Proposal{
		ID:        m.newID(),
		Statement: r.Statement,
		Text:      r.Text,
		Status:    ProposalPending,
		CreatedAt: now,
	}
	p.TurnIndex = th.appendTurn(Turn{Role: RoleAssistant, Text: proposalText(p), CreatedAt: now})

	decision := Gate(autoExecute, true)
	metrics.ObserveGateDecision(string(decision))

	if decision == GateHold {
		th.Proposals = append(th.Proposals, p)
		th.State = StateAwaitingApproval
		th.emit(events.Event{Type: events.TypeApprovalRequested, ProposalID: p.ID, Statement: p.Statement})
		if err := m.persist(ctx, th); err != nil {
			return nil, err
		}
		response := p.Text
		if response == "" {
			response = "A statement is ready and needs approval before it runs."
		}
		return &TurnResult{ThreadID: th.ID, Status: StatusApprovalRequired, State: th.State, Response: response, Proposal: &p}, nil
	}

	p.Status = ProposalApproved
	p.Source = SourceAuto
	p.DecidedAt = &now
	th.Proposals = append(th.Proposals, p)
	th.State = StateExecuting
	th.emit(events.Event{Type: events.TypeApprovalDecided, ProposalID: p.ID, Statement: p.Statement, Decision: string(ProposalApproved), Source: string(SourceAuto)})
	if err := m.persist(ctx, th); err != nil {
		return nil, err
	}
	return m.execute(ctx, th, len(th.Proposals)-1)
}

// execute 运行已批准的提案。进入执行后，最终写入与调用方取消解耦。
func (m *Machine) execute(ctx context.Context, th *Thread, idx int) (*TurnResult, error) {
	p := th.Proposals[idx]
	res, execErr := m.runner.Execute(ctx, p.Statement)
	now := m.now()

	out := &TurnResult{ThreadID: th.ID, Status: StatusOK, Response: p.Text}
	event := events.Event{Type: events.TypeStatementExecuted, ProposalID: p.ID}
	var retErr error

	switch {
	case execErr == nil:
		th.appendTurn(Turn{Role: RoleSystemNote, Text: resultNote(res, m.summaryRows), Result: res, CreatedAt: now})
		out.Result = res
		if out.Response == "" {
			out.Response = fmt.Sprintf("The statement returned %d rows.", res.RowCount)
		}
		event.RowCount = res.RowCount
	case ctx.Err() != nil:
		th.appendTurn(Turn{Role: RoleSystemNote, Text: "Execution was cancelled by the caller; the statement result is unknown.", CreatedAt: now})
		event.ErrorCode = "CANCELLED"
		retErr = ctx.Err()
	case xerrors.IsCode(execErr, xerrors.CodePoolExhausted):
		te := &TurnError{Code: xerrors.CodePoolExhausted, Message: errorMessage(execErr)}
		th.appendTurn(Turn{Role: RoleSystemNote, Text: "The statement was not executed: no database connection became available in time.", Error: te, CreatedAt: now})
		event.ErrorCode = string(te.Code)
		retErr = xerrors.Wrap(xerrors.CodePoolExhausted, execErr, "数据库连接繁忙，请稍后重试",
			xerrors.WithMetadata("thread_id", th.ID))
	default:
		code := xerrors.CodeOf(execErr)
		if code == xerrors.CodeUnknown {
			code = xerrors.CodeStatementFailed
		}
		te := &TurnError{Code: code, Message: errorMessage(execErr)}
		th.appendTurn(Turn{Role: RoleSystemNote, Text: fmt.Sprintf("The statement failed (%s): %s", te.Code, te.Message), Error: te, CreatedAt: now})
		out.Error = te
		out.Response = "The statement failed: " + te.Message
		event.ErrorCode = string(te.Code)
	}

	th.State = StateIdle
	th.emit(event)
	if err := m.persist(context.WithoutCancel(ctx), th); err != nil {
		return nil, err
	}
	if retErr != nil {
		return nil, retErr
	}
	out.State = th.State
	return out, nil
}

// persist 以版本号递增的方式写回会话，成功后发布积压的事件。
func (m *Machine) persist(ctx context.Context, th *Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	th.Version++
	th.UpdatedAt = m.now()
	rec, err := encodeThread(th)
	if err == nil {
		err = m.store.Save(ctx, rec)
	}
	if err != nil {
		th.Version--
		m.log.Error("persist thread failed", "thread_id", th.ID, "version", th.Version+1, "error", err)
		return err
	}

	outbox := th.outbox
	th.outbox = nil
	if len(outbox) == 0 {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, e := range outbox {
		e.ThreadID = th.ID
		e.State = string(th.State)
		e.Version = th.Version
		e.OccurredAt = th.UpdatedAt
		if err := m.publisher.Publish(pubCtx, e); err != nil {
			m.log.Warn("publish thread event failed", "thread_id", th.ID, "event", e.Type, "error", err)
		}
	}
	return nil
}

func invalidTransition(th *Thread, action string) error {
	return xerrors.New(xerrors.CodeInvalidStateTransition,
		fmt.Sprintf("会话 %s 处于 %s 状态，不能%s", th.ID, th.State, action),
		xerrors.WithMetadata("thread_id", th.ID),
		xerrors.WithMetadata("state", string(th.State)))
}

func skillRequestText(req llm.SkillRequest) string {
	marker := llm.SkillMarker + " " + req.SkillID
	if req.Text == "" {
		return marker
	}
	return req.Text + "\n" + marker
}

func resultNote(res *sqlexec.Result, rows int) string {
	return fmt.Sprintf("Query result:\n%s", res.Markdown(rows))
}

func errorMessage(err error) string {
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		return e.Message()
	}
	return err.Error()
}

func outcomeOf(ctx context.Context, result *TurnResult, err error) string {
	switch {
	case err == nil && result != nil && result.Error != nil:
		return string(result.Error.Code)
	case err == nil && result != nil:
		return string(result.Status)
	case stdErrors.Is(err, context.Canceled) || (ctx.Err() != nil && stdErrors.Is(err, ctx.Err())):
		return "cancelled"
	default:
		return string(xerrors.CodeOf(err))
	}
}
