package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sqlassist/internal/agent"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/observability/metrics"
	"sqlassist/internal/skills"
	"sqlassist/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Service 是 HTTP 层依赖的会话能力，由 agent.Machine 实现。
type Service interface {
	SubmitMessage(ctx context.Context, threadID, text string, autoExecute bool) (*agent.TurnResult, error)
	SubmitApproval(ctx context.Context, threadID string, decision agent.Decision, feedback string) (*agent.TurnResult, error)
	GetThread(ctx context.Context, threadID string) (*agent.Thread, error)
	Skills() []skills.Summary
}

var _ Service = (*agent.Machine)(nil)

// HealthCheck 在 /healthz 中被调用，返回错误表示依赖不可用。
type HealthCheck func(ctx context.Context) error

// Server 负责暴露 REST 接口，供前端驱动会话。
type Server struct {
	addr            string
	svc             Service
	origins         map[string]struct{}
	allowAnyOrigin  bool
	checks          map[string]HealthCheck
	tokens          [][sha256.Size]byte
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 用于定制 Server。
type Option func(*Server)

// WithCORSOrigins 设置允许跨域访问的来源，"*" 表示任意来源。
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			o = strings.TrimRight(strings.TrimSpace(o), "/")
			switch o {
			case "":
			case "*":
				s.allowAnyOrigin = true
			default:
				s.origins[o] = struct{}{}
			}
		}
	}
}

// WithHealthCheck 注册一个健康检查项。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		svc:             svc,
		origins:         make(map[string]struct{}),
		checks:          make(map[string]HealthCheck),
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/chat", metrics.Instrument("chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("/api/v1/approval", metrics.Instrument("approval", http.HandlerFunc(s.handleApproval)))
	mux.Handle("/api/v1/threads/", metrics.Instrument("thread", http.HandlerFunc(s.handleThread)))
	mux.Handle("/api/v1/skills", metrics.Instrument("skills", http.HandlerFunc(s.handleSkills)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return s.withCORS(s.withAuth(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type chatRequest struct {
	ThreadID    string `json:"thread_id"`
	Message     string `json:"message"`
	AutoExecute bool   `json:"auto_execute"`
}

type approvalRequest struct {
	ThreadID string `json:"thread_id"`
	Decision string `json:"decision"`
	Feedback string `json:"feedback"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	ThreadID  string `json:"thread_id,omitempty"`
}

type skillsResponse struct {
	Skills []skills.Summary `json:"skills"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, req.ThreadID, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空"))
		return
	}

	result, err := s.svc.SubmitMessage(r.Context(), req.ThreadID, req.Message, req.AutoExecute)
	if err != nil {
		s.writeError(w, req.ThreadID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "", err)
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		s.writeError(w, "", xerrors.New(xerrors.CodeInvalidArgument, "thread_id 不能为空"))
		return
	}
	decision, err := agent.ParseDecision(req.Decision)
	if err != nil {
		s.writeError(w, req.ThreadID, err)
		return
	}

	result, err := s.svc.SubmitApproval(r.Context(), req.ThreadID, decision, req.Feedback)
	if err != nil {
		s.writeError(w, req.ThreadID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/threads/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, "", xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}

	th, err := s.svc.GetThread(r.Context(), id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	list := s.svc.Skills()
	if list == nil {
		list = []skills.Summary{}
	}
	s.writeJSON(w, http.StatusOK, skillsResponse{Skills: list})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]any{"status": overall, "checks": report})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimRight(r.Header.Get("Origin"), "/")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if s.allowAnyOrigin {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("写入响应失败", slog.Any("error", err))
	}
}

// writeError 把错误渲染为 {error, code, retryable, thread_id}。
// 错误元数据中的 thread_id 优先于请求中携带的值。
func (s *Server) writeError(w http.ResponseWriter, threadID string, err error) {
	resp := errorResponse{
		Error:     err.Error(),
		Code:      string(xerrors.CodeOf(err)),
		Retryable: xerrors.RetryableError(err),
		ThreadID:  strings.TrimSpace(threadID),
	}
	if e, ok := xerrors.From(err); ok {
		resp.Error = e.Message()
		if id := e.Metadata()["thread_id"]; id != "" {
			resp.ThreadID = id
		}
	}

	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("code", resp.Code), slog.String("thread_id", resp.ThreadID), slog.Any("error", err))
	}
	s.writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: "仅支持 " + allowed,
		Code:  string(xerrors.CodeInvalidArgument),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
