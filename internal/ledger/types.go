package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("ledger closed")

// Config configures the ledger database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Transition is a user's single current role transition.
// At most one row per user; a new transition replaces the prior one.
type Transition struct {
	UserID    int64
	OldRole   string
	NewRole   string
	ChangedAt time.Time
}

// Processed marks that an event has been dispatched for a user. One-time
// markers survive later transitions; recurring ones are cleared when the
// user's role changes again.
type Processed struct {
	UserID  int64
	Event   string
	OneTime bool
}

// User is a directory entry resolved when dispatching messages.
type User struct {
	ID          int64
	Email       string
	DisplayName string
	Login       string
	Role        string
}

// AuditEntry records one delivered message (or other notable action).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	UserID   int64
	Category string
	Message  string
	RunID    string
}

// Store is the persistence API used by the engine and the HTTP surface.
type Store interface {
	// RecordTransition replaces the user's transition record and clears the
	// user's recurring (non-one-time) processed markers, atomically.
	RecordTransition(ctx context.Context, userID int64, oldRole, newRole string, at time.Time) error
	Transition(ctx context.Context, userID int64) (Transition, bool, error)

	// DueUsers returns users whose current transition matches the role pair,
	// happened at or before cutoff, and who carry no processed marker for
	// event.
	DueUsers(ctx context.Context, oldRole, newRole, event string, cutoff time.Time) ([]int64, error)

	// MarkProcessed records the event as dispatched for the given users:
	// existing rows for the (event, users) batch are deleted, then fresh rows
	// inserted with the one-time flag, in one transaction.
	MarkProcessed(ctx context.Context, event string, userIDs []int64, oneTime bool) error
	IsProcessed(ctx context.Context, userID int64, event string) (bool, error)

	// TokenFor returns the user's stored access token, generating and
	// persisting one on first use. Stable across calls.
	TokenFor(ctx context.Context, userID int64) (string, error)
	UserByToken(ctx context.Context, token string) (int64, bool, error)

	UpsertUser(ctx context.Context, u User) error
	UserInfo(ctx context.Context, userID int64) (User, bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	// AcquireLease takes or refreshes the named lease when it is free,
	// expired, or already held by holder. Reports whether the lease is held
	// by holder after the call.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	Close() error
}
