package skills

import (
	"testing"
	"testing/fstest"

	xerrors "sqlassist/internal/errors"
	defaultskills "sqlassist/skills"
)

func TestOpenReadsSkillDirectories(t *testing.T) {
	fsys := fstest.MapFS{
		"sales/description.txt":       {Data: []byte("  Revenue questions\n")},
		"sales/content.md":            {Data: []byte("# Sales\nUse orders.total_amount")},
		"inventory/description.txt":   {Data: []byte("Stock levels")},
		"inventory/content.md":        {Data: []byte("# Inventory")},
		"__pycache__/description.txt": {Data: []byte("ignored")},
		"__pycache__/content.md":      {Data: []byte("ignored")},
		"draft/description.txt":       {Data: []byte("no content yet")},
		"README.md":                   {Data: []byte("not a skill")},
	}

	store, err := Open(fsys)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	got := store.DescribeAll()
	if len(got) != 2 {
		t.Fatalf("expected 2 skills, got %+v", got)
	}
	if got[0].ID != "inventory" || got[1].ID != "sales" {
		t.Fatalf("skills not sorted: %+v", got)
	}
	if got[1].Description != "Revenue questions" {
		t.Fatalf("description not trimmed: %q", got[1].Description)
	}

	content, err := store.Load("sales")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if content != "# Sales\nUse orders.total_amount" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestLoadUnknownSkill(t *testing.T) {
	store := NewStore(Skill{ID: "sales", Description: "d", Content: "c"})

	_, err := store.Load("finance")
	if xerrors.CodeOf(err) != xerrors.CodeSkillNotFound {
		t.Fatalf("expected SKILL_NOT_FOUND, got %v", err)
	}

	var empty *Store
	if _, err := empty.Load("sales"); err == nil {
		t.Fatalf("nil store should report missing skill")
	}
	if empty.Len() != 0 || empty.DescribeAll() != nil {
		t.Fatalf("nil store should be empty")
	}
}

func TestEmbeddedDefaults(t *testing.T) {
	store, err := Open(defaultskills.FS)
	if err != nil {
		t.Fatalf("open embedded: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected bundled skills, got %+v", store.DescribeAll())
	}
	content, err := store.Load("sales_analytics")
	if err != nil {
		t.Fatalf("load sales_analytics: %v", err)
	}
	if len(content) == 0 {
		t.Fatalf("empty bundled skill")
	}
}

func TestOpenDirRejectsMissing(t *testing.T) {
	if _, err := OpenDir(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := OpenDir(t.TempDir() + "/missing"); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
