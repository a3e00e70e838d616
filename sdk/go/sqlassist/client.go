// Package sqlassist is a small Go client for the sqlassistd REST API.
package sqlassist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Statement execution happens inside the approval call, so it is generous.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with a sqlassistd server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// ChatRequest starts or continues a thread.
type ChatRequest struct {
	ThreadID    string `json:"thread_id,omitempty"`
	Message     string `json:"message"`
	AutoExecute bool   `json:"auto_execute"`
}

// ApprovalRequest answers a pending proposal.
type ApprovalRequest struct {
	ThreadID string `json:"thread_id"`
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

// Proposal is a statement waiting for approval.
type Proposal struct {
	ID        string `json:"id"`
	Statement string `json:"statement"`
	Text      string `json:"text"`
	Status    string `json:"status"`
}

// Table is the structured result of an executed statement.
type Table struct {
	Headers   []string `json:"headers"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// TurnError reports a statement failure recorded in the thread.
type TurnError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Turn is the response to a chat message or an approval decision.
type Turn struct {
	ThreadID       string     `json:"thread_id"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	Response       string     `json:"response,omitempty"`
	Proposal       *Proposal  `json:"proposal,omitempty"`
	StructuredData *Table     `json:"structured_data,omitempty"`
	Error          *TurnError `json:"error,omitempty"`
}

// ApprovalRequired reports whether the turn is waiting for a decision.
func (t Turn) ApprovalRequired() bool { return t.Status == "approval_required" }

// Thread is a snapshot of a conversation. History is kept raw so the client
// does not need to track every server-side field.
type Thread struct {
	ID        string            `json:"id"`
	Mode      string            `json:"mode"`
	State     string            `json:"state"`
	Version   int64             `json:"version"`
	History   []json.RawMessage `json:"history"`
	Proposals []Proposal        `json:"proposals"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Skill is one entry of the skill menu.
type Skill struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// APIError represents an error payload returned by the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
	Retryable  bool   `json:"retryable"`
	ThreadID   string `json:"thread_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sqlassist api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sqlassist api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the given base URL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Chat submits a user message.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Turn, error) {
	var turn Turn
	if err := c.post(ctx, "/api/v1/chat", req, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

// Approve runs the pending proposal of a thread.
func (c *Client) Approve(ctx context.Context, threadID string) (*Turn, error) {
	return c.decide(ctx, ApprovalRequest{ThreadID: threadID, Decision: "approve"})
}

// Reject discards the pending proposal of a thread, optionally explaining why.
func (c *Client) Reject(ctx context.Context, threadID, feedback string) (*Turn, error) {
	return c.decide(ctx, ApprovalRequest{ThreadID: threadID, Decision: "reject", Feedback: feedback})
}

func (c *Client) decide(ctx context.Context, req ApprovalRequest) (*Turn, error) {
	var turn Turn
	if err := c.post(ctx, "/api/v1/approval", req, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

// Thread fetches a thread snapshot.
func (c *Client) Thread(ctx context.Context, threadID string) (*Thread, error) {
	var th Thread
	if err := c.get(ctx, "/api/v1/threads/"+threadID, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

// Skills lists the skills the server can load.
func (c *Client) Skills(ctx context.Context) ([]Skill, error) {
	var out struct {
		Skills []Skill `json:"skills"`
	}
	if err := c.get(ctx, "/api/v1/skills", &out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
