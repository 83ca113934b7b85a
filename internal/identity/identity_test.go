package identity

import (
	"testing"

	"github.com/roomhive/roomhive/internal/store"
)

func TestRegisterAndVerify(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	m := New(db, "12D3KooWTestPeer")
	if err := m.Register("ana", "ana@example.com", "hunter2"); err != nil {
		t.Fatal(err)
	}

	if err := m.Verify("hunter2"); err != nil {
		t.Fatalf("correct passphrase rejected: %v", err)
	}
	if err := m.Verify("wrong"); err != ErrBadPassphrase {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}

	id, email := m.Current()
	if id != "12D3KooWTestPeer" || email != "ana@example.com" {
		t.Fatalf("unexpected identity: %s %s", id, email)
	}
}
