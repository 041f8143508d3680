package whitelist

import (
	"path/filepath"
	"testing"
)

func TestAddContainsAll(t *testing.T) {
	t.Parallel()
	l, err := Open(filepath.Join(t.TempDir(), "whitelist.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	added, err := l.Add("44700000000")
	if err != nil || !added {
		t.Fatalf("Add = (%v, %v), want (true, nil)", added, err)
	}
	added, err = l.Add("44700000000")
	if err != nil || added {
		t.Fatalf("duplicate Add = (%v, %v), want (false, nil)", added, err)
	}

	if !l.Contains("44700000000") {
		t.Fatal("Contains should find the added number")
	}
	if l.Contains("44711111111") {
		t.Fatal("Contains should not find an absent number")
	}
	if got := l.All(); len(got) != 1 || got[0] != "44700000000" {
		t.Fatalf("All = %v", got)
	}
}

func TestAddRejectsBlank(t *testing.T) {
	t.Parallel()
	l, err := Open(filepath.Join(t.TempDir(), "whitelist.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Add("   "); err == nil {
		t.Fatal("expected error for blank number")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "whitelist.json")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, n := range []string{"111", "222"} {
		if _, err := l1.Add(n); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := l2.All(); len(got) != 2 || got[0] != "111" || got[1] != "222" {
		t.Fatalf("reopened list = %v", got)
	}
}
