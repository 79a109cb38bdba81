// Package imagestore implements the per-recipient inbox: SendImage appends
// one entry per recipient, ViewImage atomically decrements a view quota,
// QueryReceivedImages filters to entries that still have views remaining.
package imagestore

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNoInbox        = errors.New("imagestore: recipient has no inbox")
	ErrImageNotFound  = errors.New("imagestore: image not found")
	ErrQuotaExhausted = errors.New("imagestore: view quota exhausted")
)

// Entry is one stored image awaiting viewing by its recipient.
type Entry struct {
	ImageID        string
	From           string
	Ciphertext     []byte
	RemainingViews uint32
	MaxViews       uint32
	StoredAt       time.Time
}

// Store holds every recipient's inbox in memory. Send, QueryReceived, and
// View are all serialized through one lock guarding the whole map.
type Store struct {
	mu     sync.Mutex
	inbox  map[string][]*Entry
}

// New creates an empty image store.
func New() *Store {
	return &Store{inbox: make(map[string][]*Entry)}
}

// Send appends one inbox entry per recipient with remaining_views =
// max_views (SendImage contract).
func (s *Store) Send(from string, to []string, ciphertext []byte, maxViews uint32, imageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, recipient := range to {
		entry := &Entry{
			ImageID:        imageID,
			From:           from,
			Ciphertext:     ciphertext,
			RemainingViews: maxViews,
			MaxViews:       maxViews,
			StoredAt:       now,
		}
		s.inbox[recipient] = append(s.inbox[recipient], entry)
	}
}

// QueryReceived returns the subset of username's inbox with
// remaining_views > 0.
func (s *Store) QueryReceived(username string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.inbox[username]
	if !ok {
		return nil
	}
	var live []*Entry
	for _, e := range entries {
		if e.RemainingViews > 0 {
			live = append(live, e)
		}
	}
	return live
}

// View atomically checks remaining_views, decrements it, and returns the
// ciphertext. Distinguishes ErrNoInbox, ErrImageNotFound,
// and ErrQuotaExhausted
func (s *Store) View(username, imageID string) ([]byte, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.inbox[username]
	if !ok {
		return nil, 0, ErrNoInbox
	}
	for _, e := range entries {
		if e.ImageID != imageID {
			continue
		}
		if e.RemainingViews == 0 {
			return nil, 0, ErrQuotaExhausted
		}
		e.RemainingViews--
		return e.Ciphertext, e.RemainingViews, nil
	}
	return nil, 0, ErrImageNotFound
}
