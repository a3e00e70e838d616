package main

import (
	"context"

	"sqlassist/internal/agent"
	"sqlassist/sdk/go/sqlassist"
)

// conversation 抽象了 chat 命令的两种后端：进程内状态机或远端 HTTP 服务。
type conversation interface {
	Send(ctx context.Context, threadID, text string, auto bool) (*sqlassist.Turn, error)
	Decide(ctx context.Context, threadID string, decision agent.Decision, feedback string) (*sqlassist.Turn, error)
	Skills(ctx context.Context) ([]sqlassist.Skill, error)
}

type localConversation struct {
	machine *agent.Machine
}

func (c localConversation) Send(ctx context.Context, threadID, text string, auto bool) (*sqlassist.Turn, error) {
	res, err := c.machine.SubmitMessage(ctx, threadID, text, auto)
	if err != nil {
		return nil, err
	}
	return toTurn(res), nil
}

func (c localConversation) Decide(ctx context.Context, threadID string, decision agent.Decision, feedback string) (*sqlassist.Turn, error) {
	res, err := c.machine.SubmitApproval(ctx, threadID, decision, feedback)
	if err != nil {
		return nil, err
	}
	return toTurn(res), nil
}

func (c localConversation) Skills(context.Context) ([]sqlassist.Skill, error) {
	list := c.machine.Skills()
	out := make([]sqlassist.Skill, 0, len(list))
	for _, s := range list {
		out = append(out, sqlassist.Skill{ID: s.ID, Description: s.Description})
	}
	return out, nil
}

type remoteConversation struct {
	client *sqlassist.Client
}

func (c remoteConversation) Send(ctx context.Context, threadID, text string, auto bool) (*sqlassist.Turn, error) {
	return c.client.Chat(ctx, sqlassist.ChatRequest{ThreadID: threadID, Message: text, AutoExecute: auto})
}

func (c remoteConversation) Decide(ctx context.Context, threadID string, decision agent.Decision, feedback string) (*sqlassist.Turn, error) {
	if decision == agent.DecisionApprove {
		return c.client.Approve(ctx, threadID)
	}
	return c.client.Reject(ctx, threadID, feedback)
}

func (c remoteConversation) Skills(ctx context.Context) ([]sqlassist.Skill, error) {
	return c.client.Skills(ctx)
}

// toTurn 把状态机的结果转换为与 HTTP 接口一致的结构。
func toTurn(res *agent.TurnResult) *sqlassist.Turn {
	turn := &sqlassist.Turn{
		ThreadID: res.ThreadID,
		Status:   string(res.Status),
		State:    string(res.State),
		Response: res.Response,
	}
	if p := res.Proposal; p != nil {
		turn.Proposal = &sqlassist.Proposal{ID: p.ID, Statement: p.Statement, Text: p.Text, Status: string(p.Status)}
	}
	if r := res.Result; r != nil {
		turn.StructuredData = &sqlassist.Table{Headers: r.Columns, Rows: r.Rows, RowCount: r.RowCount, Truncated: r.Truncated}
	}
	if e := res.Error; e != nil {
		turn.Error = &sqlassist.TurnError{Code: string(e.Code), Message: e.Message}
	}
	return turn
}
