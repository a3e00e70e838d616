package session

import (
	"context"
	"testing"
	"time"

	xerrors "sqlassist/internal/errors"
)

func newRecord(id string, version int64, state string) *Record {
	now := time.Now().UTC()
	return &Record{ID: id, Version: version, State: state, Payload: []byte(`{"state":"` + state + `"}`), CreatedAt: now, UpdatedAt: now}
}

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !xerrors.IsCode(err, xerrors.CodeThreadNotFound) {
		t.Fatalf("expected THREAD_NOT_FOUND, got %v", err)
	}

	if err := store.Save(ctx, newRecord("t1", 2, "IDLE")); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("creating at version 2 should conflict, got %v", err)
	}
	if err := store.Save(ctx, newRecord("t1", 1, "IDLE")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Save(ctx, newRecord("t1", 1, "IDLE")); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}
	if err := store.Save(ctx, newRecord("t1", 2, "AWAITING_APPROVAL")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Save(ctx, newRecord("t1", 2, "IDLE")); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.State != "AWAITING_APPROVAL" || string(got.Payload) != `{"state":"AWAITING_APPROVAL"}` {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := store.Save(ctx, &Record{Version: 1}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty id should be rejected, got %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("t1", 1, "IDLE")
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Payload[0] = 'X'

	got, _ := store.Get(ctx, "t1")
	got.Payload[1] = 'Y'
	again, _ := store.Get(ctx, "t1")
	if string(again.Payload) != `{"state":"IDLE"}` {
		t.Fatalf("stored payload was mutated: %s", again.Payload)
	}
	if store.Len() != 1 {
		t.Fatalf("unexpected len %d", store.Len())
	}
}
