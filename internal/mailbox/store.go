package mailbox

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"postbox/internal/eventbus"
	logx "postbox/pkg/logx"
)

//go:embed schema.sql
var schema string

// Store owns the single SQLite handle. The handle is built lazily on first
// use and rebuilt transparently when the backing file goes missing or turns
// corrupt, so in-memory watches survive a store recreation.
type Store struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu        sync.Mutex
	db        *sql.DB
	lastFault string // why the previous handle was torn down; "" after first clean open

	appends atomic.Uint64
}

// Open validates the config and returns a store. The database file itself is
// created on first use, never here: a missing or unwritable file must not
// fail construction.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("mailbox path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{cfg: cfg, log: log, bus: bus}, nil
}

// Path reports the configured database file path.
func (s *Store) Path() string { return s.cfg.Path }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// handle returns a live database handle, opening or rebuilding it as needed.
func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		// A deleted file does not error on a live handle: SQLite keeps
		// writing to the unlinked inode. Stat the path to catch it.
		if _, err := os.Stat(s.cfg.Path); err == nil {
			return s.db, nil
		}
		s.closeLocked("store file missing")
	}

	return s.openLocked(ctx)
}

// invalidate tears the handle down so the next use rebuilds it.
func (s *Store) invalidate(cause string) {
	s.mu.Lock()
	s.closeLocked(cause)
	s.mu.Unlock()
}

func (s *Store) closeLocked(cause string) {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
		s.log.Warn("mailbox handle invalidated", logx.String("path", s.cfg.Path), logx.String("cause", cause))
	}
	s.lastFault = cause
}

func (s *Store) openLocked(ctx context.Context) (*sql.DB, error) {
	db, err := s.openAttempt(ctx)
	if err != nil && isCorruptErr(err) {
		// A corrupt file cannot be repaired in place. Move it aside with its
		// WAL sidecars and start fresh; stored mail is lost, watches are not.
		aside := fmt.Sprintf("%s.corrupt-%d", s.cfg.Path, time.Now().Unix())
		if mvErr := os.Rename(s.cfg.Path, aside); mvErr == nil {
			for _, ext := range []string{"-wal", "-shm"} {
				_ = os.Rename(s.cfg.Path+ext, aside+ext)
			}
			s.log.Warn("corrupt mailbox file moved aside",
				logx.String("path", s.cfg.Path), logx.String("aside", aside), logx.Err(err))
			db, err = s.openAttempt(ctx)
		}
	}
	if err != nil {
		return nil, err
	}

	s.db = db
	if s.lastFault != "" {
		s.log.Warn("mailbox store rebuilt", logx.String("path", s.cfg.Path), logx.String("cause", s.lastFault))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Topic: eventbus.TopicStoreRecovered,
				Data:  eventbus.StoreRecovered{Path: s.cfg.Path, Cause: s.lastFault},
			})
		}
		s.lastFault = ""
	} else {
		s.log.Info("mailbox store opened", logx.String("path", s.cfg.Path))
	}
	return s.db, nil
}

func (s *Store) openAttempt(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Verify integrity on every (re)build so page-level damage is caught
	// here, where the quarantine path can handle it.
	var verdict string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check(1)`).Scan(&verdict); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quick_check: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(verdict), "ok") {
		_ = db.Close()
		return nil, fmt.Errorf("quick_check: %s", verdict)
	}
	return db, nil
}

// fail classifies an operation error: medium faults invalidate the handle and
// come back wrapped in ErrMediumUnavailable, everything else is wrapped as-is.
func (s *Store) fail(op string, err error) error {
	if isMediumErr(err) {
		s.invalidate(err.Error())
		return mediumErr(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isMediumErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMediumUnavailable) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{
		"file is not a database",
		"database disk image is malformed",
		"no such table",
		"unable to open database file",
		"database is locked",
		"database table is locked",
		"disk i/o error",
		"attempt to write a readonly database",
		"database is closed",
		"quick_check",
	} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// isCorruptErr selects the subset of medium faults where the file itself is
// damaged and a handle rebuild alone cannot help.
func isCorruptErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{
		"file is not a database",
		"database disk image is malformed",
		"quick_check",
	} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// Append stores one message with a fresh ID. On a medium fault it rebuilds
// the handle and retries the insert exactly once.
func (s *Store) Append(ctx context.Context, recipient, sender, body string, at time.Time) (Message, error) {
	if at.IsZero() {
		at = time.Now()
	}
	m := Message{
		ID:        uuid.NewString(),
		Recipient: Normalize(recipient),
		Sender:    Normalize(sender),
		Body:      body,
		CreatedAt: at.UTC(),
	}

	err := s.insert(ctx, m)
	if err != nil && isMediumErr(err) {
		s.invalidate(err.Error())
		err = s.insert(ctx, m)
	}
	if err != nil {
		return Message{}, s.fail("append mail", err)
	}

	s.maybePrune()
	return m, nil
}

func (s *Store) insert(ctx context.Context, m Message) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO messages(id, recipient, sender, body, created_at, read) VALUES(?,?,?,?,?,0)`,
		m.ID, m.Recipient, m.Sender, m.Body, m.CreatedAt.UnixNano(),
	)
	return err
}

// UnreadFor returns the unread messages for a recipient, oldest first.
func (s *Store) UnreadFor(ctx context.Context, recipient string) ([]Message, error) {
	return s.query(ctx, "unread mail",
		`SELECT id, recipient, sender, body, created_at, read FROM messages
		 WHERE recipient = ? AND read = 0
		 ORDER BY created_at ASC, id ASC`,
		Normalize(recipient))
}

// MessagesFor is a read-only listing for operational views, newest first.
// It never touches read flags.
func (s *Store) MessagesFor(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, recipient, sender, body, created_at, read FROM messages WHERE recipient = ?`
	if unreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	return s.query(ctx, "list mail", q, Normalize(recipient), limit)
}

// MarkRead claims the unread flag of one message. It returns true iff this
// call performed the unread→read transition, so concurrent pollers cannot
// both deliver the same message. Marking an already-read or unknown ID is
// not an error.
func (s *Store) MarkRead(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return false, s.fail("mark read", err)
	}
	res, err := db.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ? AND read = 0`, id)
	if err != nil {
		return false, s.fail("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return n > 0, nil
}

// PurgeReadOlderThan deletes read messages created before the cutoff.
// Unread mail is never purged.
func (s *Store) PurgeReadOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, s.fail("purge mail", err)
	}
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE read = 1 AND created_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, s.fail("purge mail", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns table-wide counts plus the busiest unread recipients.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return Stats{}, s.fail("mailbox stats", err)
	}
	var st Stats
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0) FROM messages`,
	).Scan(&st.Total, &st.Unread); err != nil {
		return Stats{}, s.fail("mailbox stats", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT recipient, COUNT(*) FROM messages WHERE read = 0
		 GROUP BY recipient ORDER BY COUNT(*) DESC, recipient ASC LIMIT 50`)
	if err != nil {
		return Stats{}, s.fail("mailbox stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rs RecipientStats
		if err := rows.Scan(&rs.Recipient, &rs.Unread); err != nil {
			return Stats{}, fmt.Errorf("mailbox stats: %w", err)
		}
		st.Recipients = append(st.Recipients, rs)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, s.fail("mailbox stats", err)
	}
	return st, nil
}

// CheckHealth pings the store and runs SQLite's quick integrity check.
func (s *Store) CheckHealth(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return s.fail("mailbox health", err)
	}
	var verdict string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check(1)`).Scan(&verdict); err != nil {
		return s.fail("mailbox health", err)
	}
	if !strings.EqualFold(strings.TrimSpace(verdict), "ok") {
		err := fmt.Errorf("quick_check: %s", verdict)
		s.invalidate(err.Error())
		return mediumErr("mailbox health", err)
	}
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return s.fail("mailbox health", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]Message, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, s.fail(op, err)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m    Message
		ns   int64
		read int64
	)
	if err := r.Scan(&m.ID, &m.Recipient, &m.Sender, &m.Body, &ns, &read); err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.Unix(0, ns).UTC()
	m.Read = read != 0
	return m, nil
}

// maybePrune runs a bounded retention sweep every Nth append so old read
// mail does not need a dedicated background job.
func (s *Store) maybePrune() {
	if s.cfg.Retention <= 0 {
		return
	}
	if s.appends.Add(1)%uint64(s.cfg.PruneEvery) != 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	cutoff := time.Now().Add(-s.cfg.Retention)
	if n, err := s.PurgeReadOlderThan(pctx, cutoff); err != nil {
		s.log.Debug("retention sweep failed", logx.Err(err))
	} else if n > 0 {
		s.log.Debug("retention sweep", logx.Int64("purged", n), logx.Time("cutoff", cutoff))
	}
}
