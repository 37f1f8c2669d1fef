package store

import (
	"os"
	"reflect"
	"testing"
)

func TestSelfID(t *testing.T) {
	s, err := New(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id, err := s.SelfID()
	if err != nil || id != "" {
		t.Fatalf("SelfID() on empty store = %q, %v", id, err)
	}

	calls := 0
	gen := func() string { calls++; return "cozy-otter-ramen-01" }
	first, err := s.EnsureSelfID(gen)
	if err != nil {
		t.Fatalf("EnsureSelfID() error = %v", err)
	}
	second, _ := s.EnsureSelfID(gen)
	if first != second || calls != 1 {
		t.Errorf("EnsureSelfID() = %q then %q with %d generations", first, second, calls)
	}

	if err := s.SaveSelfID("brave-fox-taco-02"); err != nil {
		t.Fatalf("SaveSelfID() error = %v", err)
	}
	if id, _ := s.SelfID(); id != "brave-fox-taco-02" {
		t.Errorf("SelfID() = %q after save", id)
	}
}

func TestMembersScopedToRoom(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "work")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := []string{"root", "a", "b"}
	if err := s.SaveMembers("room-1", want); err != nil {
		t.Fatalf("SaveMembers() error = %v", err)
	}

	// a fresh store over the same file sees the saved state
	reopened, _ := New(dir, "work")
	got, err := reopened.Members("room-1")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Members() = %v, want %v", got, want)
	}

	if other, _ := reopened.Members("room-2"); other != nil {
		t.Errorf("Members(other room) = %v, want nil", other)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("state dir has %d entries, want only the state file", len(entries))
	}
}

func TestNewRejectsBadProfile(t *testing.T) {
	for _, profile := range []string{"", "../escape", "a/b"} {
		if _, err := New(t.TempDir(), profile); err == nil {
			t.Errorf("New(%q) succeeded", profile)
		}
	}
}

func TestCorruptStateFile(t *testing.T) {
	s, _ := New(t.TempDir(), "default")
	if err := os.WriteFile(s.Path(), []byte{0xc1, 0x00}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SelfID(); err == nil {
		t.Error("SelfID() on corrupt file returned no error")
	}
}
