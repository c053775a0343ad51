package oasis

import (
	"strings"
	"testing"
)

func newTestRoster(t *testing.T) *Roster {
	t.Helper()
	r, err := NewRoster("", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestListBuiltins(t *testing.T) {
	r := newTestRoster(t)
	experts, err := r.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(experts) != 4 {
		t.Fatalf("got %d built-ins, want 4", len(experts))
	}
	for _, e := range experts {
		if e.Source != "public" {
			t.Errorf("expert %s source = %q, want public", e.Tag, e.Source)
		}
	}
}

func TestResolve(t *testing.T) {
	r := newTestRoster(t)

	t.Run("empty tags selects everyone", func(t *testing.T) {
		experts, err := r.Resolve("alice", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(experts) != 4 {
			t.Errorf("got %d experts", len(experts))
		}
	})

	t.Run("known tags select in order", func(t *testing.T) {
		experts, err := r.Resolve("alice", []string{"data", "creative"})
		if err != nil {
			t.Fatal(err)
		}
		if len(experts) != 2 || experts[0].Tag != "data" || experts[1].Tag != "creative" {
			t.Errorf("experts = %+v", experts)
		}
	})

	t.Run("all unknown tags falls back to everyone", func(t *testing.T) {
		experts, err := r.Resolve("alice", []string{"nobody"})
		if err != nil {
			t.Fatal(err)
		}
		if len(experts) != 4 {
			t.Errorf("got %d experts, want the full roster", len(experts))
		}
	})
}

func TestAddCustomExpert(t *testing.T) {
	r := newTestRoster(t)

	added, err := r.Add("alice", Expert{Name: "法律顾问", Tag: "legal", Persona: "严谨", Temperature: 0.4})
	if err != nil {
		t.Fatal(err)
	}
	if added.Source != "custom" {
		t.Errorf("source = %q", added.Source)
	}

	experts, _ := r.List("alice")
	if len(experts) != 5 {
		t.Errorf("got %d experts after add", len(experts))
	}
	// Custom experts are per user.
	if experts, _ := r.List("bob"); len(experts) != 4 {
		t.Errorf("bob sees %d experts, custom experts must not leak", len(experts))
	}
}

func TestAddTagCollisions(t *testing.T) {
	r := newTestRoster(t)

	if _, err := r.Add("alice", Expert{Name: "x", Tag: "creative", Persona: "p", Temperature: 0.5}); err == nil {
		t.Error("built-in tag collision should fail")
	}
	if _, err := r.Add("alice", Expert{Name: "x", Tag: "legal", Persona: "p", Temperature: 0.5}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("alice", Expert{Name: "y", Tag: "legal", Persona: "p", Temperature: 0.5}); err == nil {
		t.Error("duplicate custom tag should fail")
	}
}

func TestAddValidation(t *testing.T) {
	r := newTestRoster(t)
	bad := []Expert{
		{Tag: "t", Persona: "p", Temperature: 0.5},
		{Name: "n", Persona: "p", Temperature: 0.5},
		{Name: "n", Tag: "t", Temperature: 0.5},
		{Name: "n", Tag: "t", Persona: "p", Temperature: 1.5},
	}
	for i, e := range bad {
		if _, err := r.Add("alice", e); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, e)
		}
	}
}

func TestUpdateCustomExpert(t *testing.T) {
	r := newTestRoster(t)
	r.Add("alice", Expert{Name: "old", Tag: "legal", Persona: "p", Temperature: 0.4})

	updated, err := r.Update("alice", "legal", Expert{Name: "new", Tag: "smuggled", Persona: "p2", Temperature: 0.6})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Tag != "legal" {
		t.Errorf("tag = %q, tag must be immutable", updated.Tag)
	}
	if updated.Name != "new" || updated.Temperature != 0.6 {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := r.Update("alice", "missing", Expert{Name: "n", Persona: "p", Temperature: 0.5}); err == nil {
		t.Error("updating a missing expert should fail")
	}
	if _, err := r.Update("alice", "creative", Expert{Name: "n", Persona: "p", Temperature: 0.5}); err == nil {
		t.Error("built-ins must not be updatable")
	}
}

func TestDeleteCustomExpert(t *testing.T) {
	r := newTestRoster(t)
	r.Add("alice", Expert{Name: "n", Tag: "legal", Persona: "p", Temperature: 0.4})

	deleted, err := r.Delete("alice", "legal")
	if err != nil {
		t.Fatal(err)
	}
	if deleted.Tag != "legal" {
		t.Errorf("deleted = %+v", deleted)
	}
	if experts, _ := r.List("alice"); len(experts) != 4 {
		t.Errorf("got %d experts after delete", len(experts))
	}
	if _, err := r.Delete("alice", "legal"); err == nil {
		t.Error("second delete should fail")
	}
	if _, err := r.Delete("alice", "creative"); err == nil {
		t.Error("built-ins must not be deletable")
	}
}

func TestRosterPersistence(t *testing.T) {
	dir := t.TempDir()
	r1, err := NewRoster("", dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r1.Add("alice", Expert{Name: "n", Tag: "legal", Persona: "p", Temperature: 0.4}); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRoster("", dir)
	if err != nil {
		t.Fatal(err)
	}
	experts, err := r2.List("alice")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range experts {
		if e.Tag == "legal" && strings.EqualFold(e.Source, "custom") {
			found = true
		}
	}
	if !found {
		t.Error("custom expert should survive a roster reload")
	}
}
