package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "postbox/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mail.db")
	st, err := Open(Config{Path: path, BusyTimeout: 2 * time.Second}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAppendNormalizesAndOrders(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, body := range []string{"first", "second", "third"} {
		if _, err := st.Append(ctx, " Samus ", "LINK", body, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append %q: %v", body, err)
		}
	}

	got, err := st.UnreadFor(ctx, "samus")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("unread count = %d, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Body != want {
			t.Fatalf("unread[%d].Body = %q, want %q (order violated)", i, got[i].Body, want)
		}
		if got[i].Recipient != "samus" || got[i].Sender != "link" {
			t.Fatalf("identity not normalized: %+v", got[i])
		}
		if got[i].ID == "" {
			t.Fatalf("unread[%d] has empty id", i)
		}
	}

	// Lookup is case-insensitive on the caller side too.
	upper, err := st.UnreadFor(ctx, "SAMUS")
	if err != nil {
		t.Fatalf("unread upper: %v", err)
	}
	if len(upper) != 3 {
		t.Fatalf("case-insensitive unread count = %d, want 3", len(upper))
	}
}

func TestMarkReadClaim(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	m, err := st.Append(ctx, "samus", "link", "hello", time.Time{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	claimed, err := st.MarkRead(ctx, m.ID)
	if err != nil || !claimed {
		t.Fatalf("first mark = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = st.MarkRead(ctx, m.ID)
	if err != nil || claimed {
		t.Fatalf("second mark = (%v, %v), want (false, nil)", claimed, err)
	}
	claimed, err = st.MarkRead(ctx, "no-such-id")
	if err != nil || claimed {
		t.Fatalf("unknown id mark = (%v, %v), want (false, nil)", claimed, err)
	}

	left, err := st.UnreadFor(ctx, "samus")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("unread after claim = %d, want 0", len(left))
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	m, err := st.Append(ctx, "samus", "link", "race", time.Time{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.MarkRead(ctx, m.ID)
			if err != nil {
				t.Errorf("mark read: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("claims won = %d, want exactly 1", won)
	}
}

func TestSurvivesFileDeletion(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Append(ctx, "samus", "link", "before", time.Time{}); err != nil {
		t.Fatalf("append before: %v", err)
	}

	for _, ext := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(st.Path() + ext)
	}

	if _, err := st.Append(ctx, "samus", "link", "after", time.Time{}); err != nil {
		t.Fatalf("append after deletion: %v", err)
	}
	got, err := st.UnreadFor(ctx, "samus")
	if err != nil {
		t.Fatalf("unread after deletion: %v", err)
	}
	if len(got) != 1 || got[0].Body != "after" {
		t.Fatalf("unread after deletion = %+v, want just the post-deletion message", got)
	}
	if _, err := os.Stat(st.Path()); err != nil {
		t.Fatalf("store file not recreated: %v", err)
	}
}

func TestSurvivesCorruptFile(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Append(ctx, "samus", "link", "before", time.Time{}); err != nil {
		t.Fatalf("append before: %v", err)
	}
	_ = st.Close()

	if err := os.WriteFile(st.Path(), []byte("this is definitely not a sqlite file"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	for _, ext := range []string{"-wal", "-shm"} {
		_ = os.Remove(st.Path() + ext)
	}

	if _, err := st.Append(ctx, "samus", "link", "after", time.Time{}); err != nil {
		t.Fatalf("append after corruption: %v", err)
	}
	got, err := st.UnreadFor(ctx, "samus")
	if err != nil {
		t.Fatalf("unread after corruption: %v", err)
	}
	if len(got) != 1 || got[0].Body != "after" {
		t.Fatalf("unread after corruption = %+v, want just the new message", got)
	}

	// The damaged file is moved aside, not silently destroyed.
	aside, err := filepath.Glob(st.Path() + ".corrupt-*")
	if err != nil || len(aside) == 0 {
		t.Fatalf("corrupt file not quarantined (glob: %v, %v)", aside, err)
	}
}

func TestMessagesForNeverMarks(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	m1, err := st.Append(ctx, "samus", "link", "one", time.Now().Add(-2*time.Second))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := st.Append(ctx, "samus", "zelda", "two", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := st.MarkRead(ctx, m1.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	all, err := st.MessagesFor(ctx, "samus", false, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list all = %d, want 2", len(all))
	}
	if all[0].Body != "two" {
		t.Fatalf("listing not newest-first: %+v", all)
	}

	unread, err := st.MessagesFor(ctx, "samus", true, 0)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 1 || unread[0].Body != "two" {
		t.Fatalf("list unread = %+v, want just %q", unread, "two")
	}

	// Listing must not consume unread mail.
	still, err := st.UnreadFor(ctx, "samus")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(still) != 1 {
		t.Fatalf("listing consumed unread mail: %d left, want 1", len(still))
	}
}

func TestPurgeReadOlderThan(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	mOld, err := st.Append(ctx, "samus", "link", "old read", old)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := st.Append(ctx, "samus", "link", "old unread", old); err != nil {
		t.Fatalf("append: %v", err)
	}
	mNew, err := st.Append(ctx, "samus", "link", "new read", time.Now())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, id := range []string{mOld.ID, mNew.ID} {
		if _, err := st.MarkRead(ctx, id); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}

	n, err := st.PurgeReadOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1 (only old read mail)", n)
	}

	all, err := st.MessagesFor(ctx, "samus", false, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("left = %d, want 2 (unread kept regardless of age)", len(all))
	}
}

func TestStatsAndHealth(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	for _, r := range []string{"samus", "samus", "link"} {
		if _, err := st.Append(ctx, r, "zelda", "hi", time.Time{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Unread != 3 {
		t.Fatalf("stats = %+v, want total=3 unread=3", stats)
	}
	if len(stats.Recipients) != 2 || stats.Recipients[0].Recipient != "samus" || stats.Recipients[0].Unread != 2 {
		t.Fatalf("recipient stats = %+v", stats.Recipients)
	}

	if err := st.CheckHealth(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}
