package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Profile struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Email     string `json:"email"`
	PassHash  string `json:"-"`
	AvatarURL string `json:"avatarUrl"`
	CreatedAt int64  `json:"createdAt"`
}

type Listing struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	City        string `json:"city"`
	PriceCents  int64  `json:"priceCents"`
	PhotoURL    string `json:"photoUrl"`
	CreatedAt   int64  `json:"createdAt"`
}

type Booking struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	GuestID   string `json:"guestId"`
	Status    string `json:"status"`
	CheckIn   string `json:"checkIn"`
	CheckOut  string `json:"checkOut"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Review struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	AuthorID  string `json:"authorId"`
	Rating    int    `json:"rating"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// Booking statuses.
const (
	BookingRequested = "requested"
	BookingAccepted  = "accepted"
	BookingDeclined  = "declined"
	BookingCompleted = "completed"
)

func (s *DB) UpsertProfile(p *Profile) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO profiles (id, label, email, pass_hash, avatar_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET label=excluded.label, email=excluded.email,
			pass_hash=excluded.pass_hash, avatar_url=excluded.avatar_url`,
		p.ID, p.Label, p.Email, p.PassHash, p.AvatarURL, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	s.notify(OpUpdate, "profiles", p.ID)
	return nil
}

func (s *DB) GetProfile(id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p Profile
	err := s.db.QueryRow(
		`SELECT id, label, email, pass_hash, avatar_url, created_at FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Label, &p.Email, &p.PassHash, &p.AvatarURL, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	return p, err
}

func (s *DB) CreateListing(l *Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO listings (id, owner_id, title, description, city, price_cents, photo_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.OwnerID, l.Title, l.Description, l.City, l.PriceCents, l.PhotoURL, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create listing: %w", err)
	}
	s.notify(OpInsert, "listings", l.ID)
	return nil
}

func (s *DB) GetListing(id string) (Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var l Listing
	err := s.db.QueryRow(
		`SELECT id, owner_id, title, description, city, price_cents, photo_url, created_at
		 FROM listings WHERE id = ?`, id,
	).Scan(&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.City, &l.PriceCents, &l.PhotoURL, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return Listing{}, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	return l, err
}

// ListListings returns listings, optionally filtered by city, newest first.
func (s *DB) ListListings(city string) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, owner_id, title, description, city, price_cents, photo_url, created_at
		 FROM listings`
	args := []any{}
	if city != "" {
		q += ` WHERE city = ?`
		args = append(args, city)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.City, &l.PriceCents, &l.PhotoURL, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *DB) UpdateListing(l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE listings SET title=?, description=?, city=?, price_cents=?, photo_url=? WHERE id=?`,
		l.Title, l.Description, l.City, l.PriceCents, l.PhotoURL, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: listing %s", ErrNotFound, l.ID)
	}
	s.notify(OpUpdate, "listings", l.ID)
	return nil
}

func (s *DB) DeleteListing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM listings WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	s.notify(OpDelete, "listings", id)
	return nil
}

func (s *DB) CreateBooking(b *Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = BookingRequested
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO bookings (id, listing_id, guest_id, status, check_in, check_out, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ListingID, b.GuestID, b.Status, b.CheckIn, b.CheckOut, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create booking: %w", err)
	}
	s.notify(OpInsert, "bookings", b.ID)
	return nil
}

func (s *DB) GetBooking(id string) (Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b Booking
	err := s.db.QueryRow(
		`SELECT id, listing_id, guest_id, status, check_in, check_out, created_at, updated_at
		 FROM bookings WHERE id = ?`, id,
	).Scan(&b.ID, &b.ListingID, &b.GuestID, &b.Status, &b.CheckIn, &b.CheckOut, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return Booking{}, fmt.Errorf("%w: booking %s", ErrNotFound, id)
	}
	return b, err
}

func (s *DB) UpdateBookingStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE bookings SET status=?, updated_at=? WHERE id=?`,
		status, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: booking %s", ErrNotFound, id)
	}
	s.notify(OpUpdate, "bookings", id)
	return nil
}

func (s *DB) ListBookingsByGuest(guestID string) ([]Booking, error) {
	return s.listBookings(`guest_id = ?`, guestID)
}

func (s *DB) ListBookingsByListing(listingID string) ([]Booking, error) {
	return s.listBookings(`listing_id = ?`, listingID)
}

func (s *DB) listBookings(where string, arg any) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, listing_id, guest_id, status, check_in, check_out, created_at, updated_at
		 FROM bookings WHERE `+where+` ORDER BY created_at DESC`, arg,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.ListingID, &b.GuestID, &b.Status, &b.CheckIn, &b.CheckOut, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *DB) CreateReview(r *Review) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("rating out of range: %d", r.Rating)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO reviews (id, listing_id, author_id, rating, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ListingID, r.AuthorID, r.Rating, r.Body, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	s.notify(OpInsert, "reviews", r.ID)
	return nil
}

func (s *DB) ListReviews(listingID string) ([]Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, listing_id, author_id, rating, body, created_at
		 FROM reviews WHERE listing_id = ? ORDER BY created_at DESC`, listingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.ListingID, &r.AuthorID, &r.Rating, &r.Body, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
