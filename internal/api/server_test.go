package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sqlassist/internal/agent"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/llm"
	"sqlassist/internal/session"
	"sqlassist/internal/skills"
	"sqlassist/internal/sqlexec"
)

type stubService struct {
	submit   func(ctx context.Context, threadID, text string, auto bool) (*agent.TurnResult, error)
	approve  func(ctx context.Context, threadID string, d agent.Decision, feedback string) (*agent.TurnResult, error)
	thread   func(ctx context.Context, id string) (*agent.Thread, error)
	catalog  []skills.Summary
	lastAuto bool
}

func (s *stubService) SubmitMessage(ctx context.Context, threadID, text string, auto bool) (*agent.TurnResult, error) {
	s.lastAuto = auto
	return s.submit(ctx, threadID, text, auto)
}

func (s *stubService) SubmitApproval(ctx context.Context, threadID string, d agent.Decision, feedback string) (*agent.TurnResult, error) {
	return s.approve(ctx, threadID, d, feedback)
}

func (s *stubService) GetThread(ctx context.Context, id string) (*agent.Thread, error) {
	return s.thread(ctx, id)
}

func (s *stubService) Skills() []skills.Summary { return s.catalog }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var got errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return got
}

func TestChatReturnsTurnResult(t *testing.T) {
	svc := &stubService{submit: func(_ context.Context, threadID, text string, _ bool) (*agent.TurnResult, error) {
		if threadID != "" || text != "top customer?" {
			t.Errorf("unexpected input %q %q", threadID, text)
		}
		return &agent.TurnResult{
			ThreadID: "th-1",
			Status:   agent.StatusApprovalRequired,
			State:    agent.StateAwaitingApproval,
			Response: "This ranks customers.\n\nSELECT 1",
			Proposal: &agent.Proposal{ID: "p-1", Statement: "SELECT 1"},
		}, nil
	}}
	h := NewServer(":0", svc).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/chat", `{"message":"top customer?","auto_execute":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if !svc.lastAuto {
		t.Fatalf("auto_execute was not forwarded")
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["thread_id"] != "th-1" || got["status"] != "approval_required" {
		t.Fatalf("unexpected body %v", got)
	}
	if _, ok := got["structured_data"]; ok {
		t.Fatalf("structured_data must be omitted when absent")
	}
}

func TestChatErrors(t *testing.T) {
	svc := &stubService{submit: func(_ context.Context, threadID, _ string, _ bool) (*agent.TurnResult, error) {
		switch threadID {
		case "busy":
			return nil, xerrors.New(xerrors.CodeInvalidStateTransition, "会话正在等待审批")
		case "pool":
			return nil, xerrors.New(xerrors.CodePoolExhausted, "连接池已耗尽", xerrors.WithMetadata("thread_id", "pool-thread"))
		case "llm":
			return nil, xerrors.New(xerrors.CodeAdapterUnavailable, "推理服务不可用")
		default:
			return nil, errors.New("boom")
		}
	}}
	h := NewServer(":0", svc).Handler()

	cases := []struct {
		name      string
		method    string
		body      string
		status    int
		code      xerrors.Code
		retryable bool
		threadID  string
	}{
		{"method", http.MethodGet, "", http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, false, ""},
		{"malformed", http.MethodPost, `{"message":`, http.StatusBadRequest, xerrors.CodeInvalidArgument, false, ""},
		{"unknown field", http.MethodPost, `{"message":"hi","sql":"DROP TABLE x"}`, http.StatusBadRequest, xerrors.CodeInvalidArgument, false, ""},
		{"empty", http.MethodPost, `{"thread_id":"t","message":"  "}`, http.StatusBadRequest, xerrors.CodeInvalidArgument, false, "t"},
		{"invalid state", http.MethodPost, `{"thread_id":"busy","message":"hi"}`, http.StatusConflict, xerrors.CodeInvalidStateTransition, false, "busy"},
		{"pool", http.MethodPost, `{"thread_id":"pool","message":"hi"}`, http.StatusServiceUnavailable, xerrors.CodePoolExhausted, true, "pool-thread"},
		{"adapter", http.MethodPost, `{"thread_id":"llm","message":"hi"}`, http.StatusServiceUnavailable, xerrors.CodeAdapterUnavailable, true, "llm"},
		{"unknown", http.MethodPost, `{"thread_id":"x","message":"hi"}`, http.StatusInternalServerError, xerrors.CodeUnknown, false, "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, "/api/v1/chat", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status: got %d want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
			got := decodeError(t, rec)
			if got.Code != string(tc.code) || got.Retryable != tc.retryable || got.ThreadID != tc.threadID {
				t.Fatalf("unexpected error body %+v", got)
			}
			if got.Error == "" {
				t.Fatalf("error message missing")
			}
		})
	}
}

func TestApprovalValidatesDecision(t *testing.T) {
	var gotDecision agent.Decision
	var gotFeedback string
	svc := &stubService{approve: func(_ context.Context, threadID string, d agent.Decision, feedback string) (*agent.TurnResult, error) {
		gotDecision, gotFeedback = d, feedback
		return &agent.TurnResult{ThreadID: threadID, Status: agent.StatusOK, State: agent.StateIdle}, nil
	}}
	h := NewServer(":0", svc).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/approval", `{"thread_id":"t1","decision":"maybe"}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).ThreadID != "t1" {
		t.Fatalf("expected validation error, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/approval", `{"decision":"approve"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing thread id must be rejected, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/approval", `{"thread_id":"t1","decision":"Reject","feedback":"only 2024"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if gotDecision != agent.DecisionReject || gotFeedback != "only 2024" {
		t.Fatalf("decision not forwarded: %s %q", gotDecision, gotFeedback)
	}
}

func TestThreadAndSkills(t *testing.T) {
	svc := &stubService{
		thread: func(_ context.Context, id string) (*agent.Thread, error) {
			if id != "th-9" {
				return nil, xerrors.New(xerrors.CodeThreadNotFound, "会话不存在")
			}
			return &agent.Thread{ID: id, State: agent.StateIdle, Version: 4}, nil
		},
		catalog: []skills.Summary{{ID: "sales_analytics", Description: "Revenue"}},
	}
	h := NewServer(":0", svc).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/threads/th-9", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":4`) {
		t.Fatalf("unexpected thread response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/threads/missing", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).ThreadID != "missing" {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/threads/", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty id, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/skills", "")
	var menu skillsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &menu); err != nil {
		t.Fatalf("decode skills: %v", err)
	}
	if len(menu.Skills) != 1 || menu.Skills[0].ID != "sales_analytics" {
		t.Fatalf("unexpected skills %+v", menu.Skills)
	}
}

func TestHealthAndCORS(t *testing.T) {
	healthy := true
	h := NewServer(":0", &stubService{},
		WithCORSOrigins("http://localhost:5173/"),
		WithHealthCheck("database", func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		}),
	).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", rec.Code)
	}
	healthy = false
	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "down") {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent || res.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("preflight not allowed: %d %v", res.Code, res.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "http://evil.example")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected origin allowed")
	}

	_ = do(t, h, http.MethodGet, "/api/v1/skills", "")
	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sqlassist_http_requests_total") {
		t.Fatalf("metrics endpoint missing counters")
	}
}

type answerClient struct{ content string }

func (c answerClient) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: c.content}, nil
}

type staticRunner struct{ calls int }

func (r *staticRunner) Execute(context.Context, string) (*sqlexec.Result, error) {
	r.calls++
	return &sqlexec.Result{Columns: []string{"total"}, Rows: [][]any{{int64(7)}}, RowCount: 1}, nil
}

func TestApprovalRoundTripOverMachine(t *testing.T) {
	runner := &staticRunner{}
	machine := agent.New(
		llm.NewAdapter(answerClient{content: "Counting orders.\n```sql\nSELECT count(*) AS total FROM orders\n```"}),
		runner,
		skills.NewStore(),
		session.NewMemoryStore(),
	)
	h := NewServer(":0", machine).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/chat", `{"message":"how many orders?"}`)
	var turn agent.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &turn); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", rec.Code, rec.Body.String())
	}
	if turn.Status != agent.StatusApprovalRequired || turn.Proposal == nil {
		t.Fatalf("expected proposal, got %+v", turn)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/approval", `{"thread_id":"`+turn.ThreadID+`","decision":"approve"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"structured_data"`) {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/approval", `{"thread_id":"`+turn.ThreadID+`","decision":"approve"}`)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != string(xerrors.CodeInvalidStateTransition) {
		t.Fatalf("second approval must conflict: %d %s", rec.Code, rec.Body.String())
	}
	if runner.calls != 1 {
		t.Fatalf("statement executed %d times", runner.calls)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	svc := &stubService{catalog: []skills.Summary{{ID: "sales_analytics"}}}
	h := NewServer(":0", svc, WithAPITokens("s3cret", "")).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/skills", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/skills", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/skills", nil)
	req.Header.Set("Authorization", "bearer s3cret")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", res.Code)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health check must stay open, got %d", rec.Code)
	}
}
