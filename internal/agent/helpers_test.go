package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"sqlassist/internal/events"
	"sqlassist/internal/llm"
	"sqlassist/internal/session"
	"sqlassist/internal/skills"
	"sqlassist/internal/sqlexec"
)

// scriptedReasoner replays replies in order and repeats the last one.
type scriptedReasoner struct {
	mu       sync.Mutex
	replies  []llm.Reply
	err      error
	contexts []llm.Context
	block    bool
}

func (s *scriptedReasoner) Advance(ctx context.Context, in llm.Context) (llm.Reply, error) {
	s.mu.Lock()
	s.contexts = append(s.contexts, in)
	idx := len(s.contexts) - 1
	block, err := s.block, s.err
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return s.replies[idx], nil
}

func (s *scriptedReasoner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

func (s *scriptedReasoner) lastContext() llm.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[len(s.contexts)-1]
}

type fakeRunner struct {
	calls  atomic.Int32
	result *sqlexec.Result
	err    error
}

func (f *fakeRunner) Execute(context.Context, string) (*sqlexec.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingStore struct {
	*session.MemoryStore
	mu     sync.Mutex
	states []string
}

func (r *recordingStore) Save(ctx context.Context, rec *session.Record) error {
	if err := r.MemoryStore.Save(ctx, rec); err != nil {
		return err
	}
	r.mu.Lock()
	r.states = append(r.states, rec.State)
	r.mu.Unlock()
	return nil
}

func (r *recordingStore) savedStates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Name() string { return "recording" }

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testSkills() *skills.Store {
	return skills.NewStore(
		skills.Skill{ID: "sales_analytics", Description: "Revenue and customers", Content: "orders.total_amount"},
		skills.Skill{ID: "inventory_management", Description: "Stock levels", Content: "inventory.quantity_on_hand"},
	)
}

func newTestMachine(t *testing.T, reasoner Reasoner, runner Runner, opts ...Option) (*Machine, *recordingStore) {
	t.Helper()
	store := &recordingStore{MemoryStore: session.NewMemoryStore()}
	return New(reasoner, runner, testSkills(), store, opts...), store
}

var sampleResult = &sqlexec.Result{
	Columns:  []string{"n"},
	Rows:     [][]any{{int64(42)}},
	RowCount: 1,
}

func proposal(stmt string) llm.Proposal {
	return llm.Proposal{Statement: stmt, Text: "This counts the rows."}
}

func miniredisForTest(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}
