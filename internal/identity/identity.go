// Package identity provides the node's local account: a stable user id
// (the libp2p peer id) plus profile credentials.
package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/roomhive/roomhive/internal/store"
)

var ErrBadPassphrase = errors.New("identity: passphrase mismatch")

type Manager struct {
	db     *store.DB
	userID string
}

// New binds the identity manager to the node's peer id.
func New(db *store.DB, peerID string) *Manager {
	return &Manager{db: db, userID: peerID}
}

// Register creates or updates the local profile. The passphrase only guards
// local profile edits; it never leaves the node.
func (m *Manager) Register(label, email, passphrase string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash passphrase: %w", err)
	}
	return m.db.UpsertProfile(&store.Profile{
		ID:       m.userID,
		Label:    label,
		Email:    email,
		PassHash: string(hash),
	})
}

// Verify checks the passphrase against the stored hash.
func (m *Manager) Verify(passphrase string) error {
	p, err := m.db.GetProfile(m.userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PassHash), []byte(passphrase)) != nil {
		return ErrBadPassphrase
	}
	return nil
}

// Current yields the stable user id and email for this session.
func (m *Manager) Current() (userID, email string) {
	p, err := m.db.GetProfile(m.userID)
	if err != nil {
		return m.userID, ""
	}
	return p.ID, p.Email
}

// UserID returns the stable user id.
func (m *Manager) UserID() string { return m.userID }
