package market

import (
	"strings"
	"testing"

	"github.com/roomhive/roomhive/internal/blob"
	"github.com/roomhive/roomhive/internal/store"
)

func newService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.New(t.TempDir(), "http://127.0.0.1:8930/blobs")
	if err != nil {
		t.Fatal(err)
	}
	return New(db, blobs), db
}

func TestCreateListingWithPhoto(t *testing.T) {
	s, _ := newService(t)

	l, err := s.CreateListing("host", "Attic room", "Cosy **attic**", "Lisbon", 3500, "room.jpg", []byte("jpegbytes"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(l.PhotoURL, "http://127.0.0.1:8930/blobs/") {
		t.Fatalf("unexpected photo url: %s", l.PhotoURL)
	}
	if !strings.HasSuffix(l.PhotoURL, ".jpg") {
		t.Fatalf("extension lost: %s", l.PhotoURL)
	}

	html, err := s.RenderDescription(l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<strong>attic</strong>") {
		t.Fatalf("markdown not rendered: %s", html)
	}
}

func TestBookingFlowAndReviewGate(t *testing.T) {
	s, _ := newService(t)

	l, err := s.CreateListing("host", "Bunk", "", "Porto", 2000, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("owner cannot book own listing", func(t *testing.T) {
		if _, err := s.RequestBooking("host", l.ID, "2026-09-01", "2026-09-03"); err == nil {
			t.Fatal("expected error")
		}
	})

	b, err := s.RequestBooking("guest", l.ID, "2026-09-01", "2026-09-03")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("only owner may respond", func(t *testing.T) {
		if err := s.RespondBooking("stranger", b.ID, true); err != ErrNotParticipant {
			t.Fatalf("expected ErrNotParticipant, got %v", err)
		}
	})

	t.Run("review before stay is rejected", func(t *testing.T) {
		if err := s.AddReview("guest", l.ID, 5, "great"); err != ErrNotParticipant {
			t.Fatalf("expected ErrNotParticipant, got %v", err)
		}
	})

	if err := s.RespondBooking("host", b.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteBooking("guest", b.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReview("guest", l.ID, 5, "great stay"); err != nil {
		t.Fatal(err)
	}
}
