// Package market is the marketplace glue: listing, booking and review
// operations over the store, with participant-only authorization checks.
package market

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/yuin/goldmark"

	"github.com/roomhive/roomhive/internal/blob"
	"github.com/roomhive/roomhive/internal/store"
)

var ErrNotParticipant = errors.New("market: user is not a participant")

type Service struct {
	db    *store.DB
	blobs *blob.Store
	md    goldmark.Markdown
}

func New(db *store.DB, blobs *blob.Store) *Service {
	return &Service{
		db:    db,
		blobs: blobs,
		md:    goldmark.New(),
	}
}

// CreateListing stores a listing; photo bytes, when given, go to the blob
// store first and the listing records the public URL.
func (s *Service) CreateListing(ownerID, title, description, city string, priceCents int64, photoName string, photo []byte) (store.Listing, error) {
	l := store.Listing{
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		City:        city,
		PriceCents:  priceCents,
	}
	if len(photo) > 0 {
		url, err := s.blobs.Upload(photoName, photo)
		if err != nil {
			return store.Listing{}, fmt.Errorf("upload photo: %w", err)
		}
		l.PhotoURL = url
	}
	if err := s.db.CreateListing(&l); err != nil {
		return store.Listing{}, err
	}
	return l, nil
}

// UpdateListing applies edits; only the owner may update.
func (s *Service) UpdateListing(ownerID string, l store.Listing) error {
	cur, err := s.db.GetListing(l.ID)
	if err != nil {
		return err
	}
	if cur.OwnerID != ownerID {
		return ErrNotParticipant
	}
	l.OwnerID = cur.OwnerID
	l.CreatedAt = cur.CreatedAt
	if l.PhotoURL == "" {
		l.PhotoURL = cur.PhotoURL
	}
	return s.db.UpdateListing(&l)
}

// DeleteListing removes a listing; only the owner may delete.
func (s *Service) DeleteListing(ownerID, listingID string) error {
	cur, err := s.db.GetListing(listingID)
	if err != nil {
		return err
	}
	if cur.OwnerID != ownerID {
		return ErrNotParticipant
	}
	return s.db.DeleteListing(listingID)
}

// RenderDescription converts a listing's markdown description to HTML.
func (s *Service) RenderDescription(listingID string) (string, error) {
	l, err := s.db.GetListing(listingID)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(l.Description), &buf); err != nil {
		return "", fmt.Errorf("render description: %w", err)
	}
	return buf.String(), nil
}

// RequestBooking creates a booking request from a guest.
func (s *Service) RequestBooking(guestID, listingID, checkIn, checkOut string) (store.Booking, error) {
	l, err := s.db.GetListing(listingID)
	if err != nil {
		return store.Booking{}, err
	}
	if l.OwnerID == guestID {
		return store.Booking{}, errors.New("market: cannot book own listing")
	}
	b := store.Booking{ListingID: listingID, GuestID: guestID, CheckIn: checkIn, CheckOut: checkOut}
	if err := s.db.CreateBooking(&b); err != nil {
		return store.Booking{}, err
	}
	return b, nil
}

// RespondBooking lets the listing owner accept or decline a request.
func (s *Service) RespondBooking(ownerID, bookingID string, accept bool) error {
	b, err := s.db.GetBooking(bookingID)
	if err != nil {
		return err
	}
	l, err := s.db.GetListing(b.ListingID)
	if err != nil {
		return err
	}
	if l.OwnerID != ownerID {
		return ErrNotParticipant
	}
	if b.Status != store.BookingRequested {
		return fmt.Errorf("market: booking %s is %s, not %s", bookingID, b.Status, store.BookingRequested)
	}
	status := store.BookingDeclined
	if accept {
		status = store.BookingAccepted
	}
	return s.db.UpdateBookingStatus(bookingID, status)
}

// CompleteBooking marks an accepted stay as completed; guest or owner may do it.
func (s *Service) CompleteBooking(userID, bookingID string) error {
	b, err := s.db.GetBooking(bookingID)
	if err != nil {
		return err
	}
	l, err := s.db.GetListing(b.ListingID)
	if err != nil {
		return err
	}
	if userID != b.GuestID && userID != l.OwnerID {
		return ErrNotParticipant
	}
	if b.Status != store.BookingAccepted {
		return fmt.Errorf("market: booking %s is %s, not %s", bookingID, b.Status, store.BookingAccepted)
	}
	return s.db.UpdateBookingStatus(bookingID, store.BookingCompleted)
}

// AddReview records a review; only a guest with a completed stay may review.
func (s *Service) AddReview(authorID, listingID string, rating int, body string) error {
	bookings, err := s.db.ListBookingsByListing(listingID)
	if err != nil {
		return err
	}
	stayed := false
	for _, b := range bookings {
		if b.GuestID == authorID && b.Status == store.BookingCompleted {
			stayed = true
			break
		}
	}
	if !stayed {
		return ErrNotParticipant
	}
	return s.db.CreateReview(&store.Review{ListingID: listingID, AuthorID: authorID, Rating: rating, Body: body})
}
