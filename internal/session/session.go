package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santialv/DOTENDERO-sub001/internal/cart"
	"github.com/santialv/DOTENDERO-sub001/internal/xid"
)

var (
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrSessionSuperseded = errors.New("checkout session superseded by a newer session")
	ErrSessionConflict   = errors.New("checkout session was modified concurrently")
)

// Session is the checkout session of one operator. Each operator has at most
// one; beginning a new one replaces the token and keeps the workspace.
type Session struct {
	Token     string         `json:"token"`
	OrgID     string         `json:"org_id"`
	UserID    string         `json:"user_id"`
	Workspace cart.Workspace `json:"workspace"`
	Version   int64          `json:"version"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store persists sessions keyed by operator. CompareAndSwap writes next only
// if the stored version still equals prevVersion (0 means absent) and fails
// with ErrSessionConflict otherwise. On success next.Version is prevVersion+1.
type Store interface {
	Load(ctx context.Context, orgID string, userID string) (*Session, error)
	CompareAndSwap(ctx context.Context, next *Session, prevVersion int64) error
	Delete(ctx context.Context, orgID string, userID string) error
}

const defaultMaxRetries = 3

type Manager struct {
	store      Store
	maxRetries int
	now        func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, maxRetries: defaultMaxRetries, now: func() time.Time { return time.Now().UTC() }}
}

// Begin issues a fresh token for the operator. Any previous token stops
// working; its active cart and held orders move to the new session.
func (m *Manager) Begin(ctx context.Context, orgID string, userID string) (*Session, error) {
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		now := m.now()
		next := &Session{
			Token:     xid.Token(),
			OrgID:     orgID,
			UserID:    userID,
			StartedAt: now,
			UpdatedAt: now,
		}
		var prev int64
		current, err := m.store.Load(ctx, orgID, userID)
		switch {
		case err == nil:
			next.Workspace = current.Workspace.Clone()
			prev = current.Version
		case !errors.Is(err, ErrSessionNotFound):
			return nil, err
		}

		err = m.store.CompareAndSwap(ctx, next, prev)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrSessionConflict) {
			return nil, err
		}
	}
	return nil, ErrSessionConflict
}

// Get returns the session the token belongs to.
func (m *Manager) Get(ctx context.Context, orgID string, userID string, token string) (*Session, error) {
	current, err := m.store.Load(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if current.Token != token {
		return nil, ErrSessionSuperseded
	}
	return current, nil
}

// Update applies fn to a copy of the session and stores it with
// compare-and-set, retrying on lost races. If fn fails nothing is written.
func (m *Manager) Update(ctx context.Context, orgID string, userID string, token string, fn func(*Session) error) (*Session, error) {
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		current, err := m.Get(ctx, orgID, userID, token)
		if err != nil {
			return nil, err
		}
		prev := current.Version
		next := *current
		next.Workspace = current.Workspace.Clone()
		if err := fn(&next); err != nil {
			return nil, err
		}
		next.UpdatedAt = m.now()

		err = m.store.CompareAndSwap(ctx, &next, prev)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, ErrSessionConflict) {
			return nil, fmt.Errorf("save checkout session: %w", err)
		}
	}
	return nil, ErrSessionConflict
}

func (m *Manager) End(ctx context.Context, orgID string, userID string) error {
	return m.store.Delete(ctx, orgID, userID)
}

func key(orgID string, userID string) string {
	return orgID + ":" + userID
}
