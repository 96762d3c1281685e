package keyring

import (
	"testing"

	"github.com/99designs/keyring"
)

func TestStore_ClientKeyLifecycle(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	key, err := s.ClientKey("tv.lan")
	if err != nil || key != "" {
		t.Fatalf("ClientKey() on empty ring = %q, %v; want empty, nil", key, err)
	}
	if s.HasClientKey("tv.lan") {
		t.Error("HasClientKey() = true on empty ring")
	}

	if err := s.SetClientKey("tv.lan", "abc123"); err != nil {
		t.Fatalf("SetClientKey() error = %v", err)
	}
	if key, _ := s.ClientKey("tv.lan"); key != "abc123" {
		t.Errorf("ClientKey() = %q, want abc123", key)
	}
	if key, _ := s.ClientKey("other.lan"); key != "" {
		t.Errorf("ClientKey(other) = %q, keys must be per host", key)
	}
	if !s.HasClientKey("tv.lan") {
		t.Error("HasClientKey() = false after Set")
	}

	if err := s.DeleteClientKey("tv.lan"); err != nil {
		t.Fatalf("DeleteClientKey() error = %v", err)
	}
	if err := s.DeleteClientKey("tv.lan"); err == nil {
		t.Error("expected error deleting a missing key")
	}
}
