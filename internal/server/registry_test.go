package server

import (
	"testing"

	"github.com/ilnaes/gonote/internal/common"
)

func TestIdentityAssignment(t *testing.T) {
	reg := NewRegistry(nil)

	if id := reg.AddOrUpdate("a", nil); id != 1 {
		t.Errorf("got %d, want 1", id)
	}
	if id := reg.AddOrUpdate("b", nil); id != 2 {
		t.Errorf("got %d, want 2", id)
	}
	// re-registering must not renumber
	if id := reg.AddOrUpdate("a", nil); id != 1 {
		t.Errorf("got %d, want 1", id)
	}

	users := reg.Users()
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	seen := map[int]bool{}
	for _, u := range users {
		seen[u.ID] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("got ids %v, want {1,2}", seen)
	}

	reg.Remove("a")
	if _, ok := reg.Identity("a"); ok {
		t.Error("removed connection still has an identity")
	}

	// identities are never reused
	if id := reg.AddOrUpdate("c", nil); id != 3 {
		t.Errorf("got %d, want 3", id)
	}
}

func TestCursors(t *testing.T) {
	reg := NewRegistry(nil)
	reg.AddOrUpdate("a", &common.Cursor{Y: 1, Color: [3]uint8{1, 2, 3}})
	reg.AddOrUpdate("b", nil)

	if got := reg.Cursors(); len(got) != 1 || got[0].Y != 1 {
		t.Errorf("got %+v, want one cursor at y=1", got)
	}

	// nil cursor leaves the stored one untouched
	reg.AddOrUpdate("a", nil)
	if got := reg.Cursors(); len(got) != 1 {
		t.Errorf("cursor lost on update: %+v", got)
	}

	reg.AddOrUpdate("a", &common.Cursor{Y: 9})
	if got := reg.Cursors(); len(got) != 1 || got[0].Y != 9 {
		t.Errorf("got %+v, want one cursor at y=9", got)
	}

	reg.Remove("a")
	if got := reg.Cursors(); len(got) != 0 {
		t.Errorf("removed participant's cursor lingers: %+v", got)
	}
}

func TestRegistryNotify(t *testing.T) {
	n := 0
	reg := NewRegistry(func() { n++ })

	reg.AddOrUpdate("a", nil)
	reg.AddOrUpdate("a", &common.Cursor{Y: 2})
	reg.Remove("a")
	if n != 3 {
		t.Errorf("got %d notifications, want 3", n)
	}

	// removing an unknown connection is not a change
	reg.Remove("nope")
	if n != 3 {
		t.Errorf("got %d notifications, want 3", n)
	}

	reg.Clear()
	if n != 3 {
		t.Errorf("clearing an empty registry notified: %d", n)
	}
}

func TestClear(t *testing.T) {
	reg := NewRegistry(nil)
	reg.AddOrUpdate("a", nil)
	reg.AddOrUpdate("b", nil)
	reg.Clear()
	if got := reg.Users(); len(got) != 0 {
		t.Errorf("got %d users after clear", len(got))
	}
	if id := reg.AddOrUpdate("c", nil); id != 3 {
		t.Errorf("got %d, want identities to keep counting", id)
	}
}
