package sqlassist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatAndApprove(t *testing.T) {
	var decisions []ApprovalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/api/v1/chat":
			var req ChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message != "top customer?" {
				t.Errorf("unexpected chat body %+v %v", req, err)
			}
			_ = json.NewEncoder(w).Encode(Turn{
				ThreadID: "th-1",
				Status:   "approval_required",
				Proposal: &Proposal{ID: "p-1", Statement: "SELECT 1"},
			})
		case "/api/v1/approval":
			var req ApprovalRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			decisions = append(decisions, req)
			_, _ = w.Write([]byte(`{"thread_id":"th-1","status":"ok","state":"IDLE","structured_data":{"headers":["n"],"rows":[[1]],"row_count":1,"truncated":false}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetToken("secret")

	turn, err := client.Chat(context.Background(), ChatRequest{Message: "top customer?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !turn.ApprovalRequired() || turn.Proposal.Statement != "SELECT 1" {
		t.Fatalf("unexpected turn %+v", turn)
	}

	done, err := client.Approve(context.Background(), turn.ThreadID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.StructuredData == nil || done.StructuredData.Headers[0] != "n" {
		t.Fatalf("missing structured data: %+v", done)
	}
	if _, err := client.Reject(context.Background(), "th-1", "too broad"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(decisions) != 2 || decisions[1].Decision != "reject" || decisions[1].Feedback != "too broad" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no database connection available","code":"POOL_EXHAUSTED","retryable":true,"thread_id":"th-2"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Chat(context.Background(), ChatRequest{ThreadID: "th-2", Message: "again"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Code != "POOL_EXHAUSTED" || !apiErr.Retryable || apiErr.ThreadID != "th-2" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestThreadAndSkills(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected authorization header")
		}
		switch r.URL.Path {
		case "/api/v1/threads/th 3":
			_, _ = w.Write([]byte(`{"id":"th 3","state":"IDLE","version":2,"history":[{"role":"user","text":"hi"}]}`))
		case "/api/v1/skills":
			_, _ = w.Write([]byte(`{"skills":[{"id":"sales_analytics","description":"Revenue"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/", nil)
	th, err := client.Thread(context.Background(), "th 3")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if th.Version != 2 || len(th.History) != 1 {
		t.Fatalf("unexpected thread %+v", th)
	}
	list, err := client.Skills(context.Background())
	if err != nil || len(list) != 1 || list[0].ID != "sales_analytics" {
		t.Fatalf("unexpected skills %+v %v", list, err)
	}

	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatalf("expected invalid url error")
	}
}
