// Package mailbox is the durable message store: an append-only table of
// messages keyed by recipient with a read/unread flag. It knows nothing
// about watches or delivery.
package mailbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMediumUnavailable marks store failures caused by the backing file being
// missing, corrupt, locked, or otherwise inaccessible. The store handle is
// invalidated and rebuilt on the next use; callers may retry or wait for the
// next poll tick.
var ErrMediumUnavailable = errors.New("mailbox medium unavailable")

// Message is immutable once created except for the unread→read transition.
// ID is the true identity of a message; (Recipient, CreatedAt) is only the
// per-recipient ordering key.
type Message struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// Config configures the store.
//
// Defaults (applied in Open when fields are omitted/zero):
//   - BusyTimeout: 5s
//   - Retention: 0 (read mail is kept forever)
//   - PruneEvery: 64
type Config struct {
	Path        string
	BusyTimeout time.Duration
	Retention   time.Duration // purge read mail older than this; 0 disables
	PruneEvery  int           // appends between opportunistic retention sweeps
}

// Stats is a point-in-time census of the table.
type Stats struct {
	Total      int64            `json:"total"`
	Unread     int64            `json:"unread"`
	Recipients []RecipientStats `json:"recipients,omitempty"`
}

// RecipientStats reports per-recipient unread counts, busiest first.
type RecipientStats struct {
	Recipient string `json:"recipient"`
	Unread    int64  `json:"unread"`
}

// Normalize canonicalizes a recipient or sender identity. Matching is
// case-insensitive: "Samus", "samus" and " SAMUS " are the same mailbox.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func mediumErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMediumUnavailable, err)
}
