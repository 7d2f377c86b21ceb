package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postbox/internal/deliver"
	"postbox/internal/eventbus"
	"postbox/internal/mailbox"
	"postbox/internal/session"
	logx "postbox/pkg/logx"
)

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []deliver.Job
	err  error
}

func (f *fakeNotifier) Deliver(_ context.Context, job deliver.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.err
}

func (f *fakeNotifier) snapshot() []deliver.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliver.Job(nil), f.jobs...)
}

func newRegistry(t *testing.T, cfg Config, n Notifier, bus eventbus.Bus) *Registry {
	t.Helper()
	r, err := New(cfg, n, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestSubscribeRefCounting(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	r := newRegistry(t, Config{}, &fakeNotifier{}, bus)

	st, err := r.Subscribe("samus", "ctx-a", "summarize")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !st.Watched || st.RefCount != 1 || st.Subscribers != 1 {
		t.Fatalf("after first subscribe: %+v", st)
	}

	st, _ = r.Subscribe("samus", "ctx-b", "other")
	if st.RefCount != 2 || st.Subscribers != 2 {
		t.Fatalf("after second subscribe: %+v", st)
	}

	// Re-subscription by an existing context must not inflate the count.
	st, _ = r.Subscribe("samus", "ctx-a", "summarize")
	if st.RefCount != 2 || st.Subscribers != 2 {
		t.Fatalf("after duplicate subscribe: %+v", st)
	}

	if snap := r.Snapshot(); len(snap) != 1 || snap[0].Recipient != "samus" {
		t.Fatalf("snapshot = %+v", snap)
	}

	st, ok := r.Unsubscribe("samus", "ctx-a")
	if !ok || st.RefCount != 1 {
		t.Fatalf("after first unsubscribe: ok=%v %+v", ok, st)
	}
	if _, ok := r.Unsubscribe("samus", "ctx-a"); ok {
		t.Fatal("double unsubscribe reported as subscribed")
	}

	st, ok = r.Unsubscribe("samus", "ctx-b")
	if !ok || st.Watched || st.RefCount != 0 {
		t.Fatalf("after last unsubscribe: ok=%v %+v", ok, st)
	}
	if snap := r.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot after teardown = %+v", snap)
	}

	var started, stopped int
	for {
		select {
		case e := <-events:
			switch e.Topic {
			case eventbus.TopicWatchStarted:
				started++
			case eventbus.TopicWatchStopped:
				stopped++
			}
			continue
		default:
		}
		break
	}
	if started != 1 || stopped != 1 {
		t.Fatalf("events started=%d stopped=%d, want 1/1", started, stopped)
	}
}

func TestInstructionsFirstWriterWins(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, Config{}, &fakeNotifier{}, nil)

	if _, err := r.Subscribe("samus", "ctx-a", "summarize"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st, err := r.Subscribe("samus", "ctx-b", "ignored-since-first-writer-wins")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if st.Instructions != "summarize" {
		t.Fatalf("instructions = %q, want first writer's", st.Instructions)
	}

	// The creating subscriber leaving does not release the instructions.
	if _, ok := r.Unsubscribe("samus", "ctx-a"); !ok {
		t.Fatal("unsubscribe failed")
	}
	if st := r.Status("samus"); st.Instructions != "summarize" {
		t.Fatalf("instructions after writer left = %q", st.Instructions)
	}

	// First writer wins even when it wrote nothing.
	if _, err := r.Subscribe("ridley", "ctx-a", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st, _ = r.Subscribe("ridley", "ctx-b", "late text")
	if st.Instructions != "" {
		t.Fatalf("instructions = %q, want empty", st.Instructions)
	}
}

func TestSubscribeValidationAndNormalization(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, Config{}, &fakeNotifier{}, nil)

	if _, err := r.Subscribe("  ", "ctx-a", ""); err == nil {
		t.Fatal("blank recipient accepted")
	}
	if _, err := r.Subscribe("samus", "  ", ""); err == nil {
		t.Fatal("blank context accepted")
	}

	if _, err := r.Subscribe(" SAMUS ", "ctx-a", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st, _ := r.Subscribe("Samus", "ctx-b", "")
	if st.Recipient != "samus" || st.RefCount != 2 {
		t.Fatalf("case variants split the watch: %+v", st)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, Config{}, &fakeNotifier{}, nil)

	mustSubscribe := func(recipient, ctxID string) {
		t.Helper()
		if _, err := r.Subscribe(recipient, ctxID, ""); err != nil {
			t.Fatalf("Subscribe(%s, %s): %v", recipient, ctxID, err)
		}
	}
	mustSubscribe("samus", "ctx-a")
	mustSubscribe("ridley", "ctx-a")
	mustSubscribe("samus", "ctx-b")

	got := r.UnsubscribeAll("ctx-a")
	if len(got) != 2 || got[0] != "ridley" || got[1] != "samus" {
		t.Fatalf("UnsubscribeAll = %v, want [ridley samus]", got)
	}
	if st := r.Status("ridley"); st.Watched {
		t.Fatalf("ridley still watched: %+v", st)
	}
	if st := r.Status("samus"); !st.Watched || st.RefCount != 1 {
		t.Fatalf("samus should stay watched for ctx-b: %+v", st)
	}

	// A context with no subscriptions is a quiet no-op.
	if got := r.UnsubscribeAll("ctx-unknown"); got != nil {
		t.Fatalf("UnsubscribeAll for unknown context = %v", got)
	}
}

func TestTickSnapshotsSubscribers(t *testing.T) {
	t.Parallel()

	n := &fakeNotifier{}
	r := newRegistry(t, Config{}, n, nil)

	if _, err := r.Subscribe("samus", "ctx-b", "summarize"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := r.Subscribe("samus", "ctx-a", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.tick("samus")
	jobs := n.snapshot()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if j.Recipient != "samus" || j.Instructions != "summarize" {
		t.Fatalf("job = %+v", j)
	}
	if len(j.ContextIDs) != 2 || j.ContextIDs[0] != "ctx-a" || j.ContextIDs[1] != "ctx-b" {
		t.Fatalf("contexts = %v, want sorted pair", j.ContextIDs)
	}

	// A tick firing after teardown must not deliver.
	r.UnsubscribeAll("ctx-a")
	r.UnsubscribeAll("ctx-b")
	r.tick("samus")
	if got := len(n.snapshot()); got != 1 {
		t.Fatalf("jobs after teardown = %d, want still 1", got)
	}

	r.tick("ghost")
	if got := len(n.snapshot()); got != 1 {
		t.Fatalf("jobs after unknown tick = %d, want still 1", got)
	}
}

func TestStartSchedulesWatches(t *testing.T) {
	t.Parallel()

	n := &fakeNotifier{}
	r := newRegistry(t, Config{PollInterval: time.Second}, n, nil)

	// Registered before Start: must be picked up when the scheduler boots.
	if _, err := r.Subscribe("alpha", "ctx-a", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.Start(context.Background())
	r.Start(context.Background()) // idempotent

	waitFor := func(recipient string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			for _, j := range n.snapshot() {
				if j.Recipient == recipient {
					return
				}
			}
			time.Sleep(25 * time.Millisecond)
		}
		t.Fatalf("no tick for %s", recipient)
	}
	waitFor("alpha")

	// Registered while running: scheduled immediately.
	if _, err := r.Subscribe("beta", "ctx-a", ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor("beta")

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Stop(stopCtx)
}

// End-to-end over a real store: two contexts watch one recipient, one send
// produces exactly one delivery batch to both, teardown stops delivery.
func TestWatchDeliveryRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := mailbox.Open(mailbox.Config{Path: filepath.Join(t.TempDir(), "mail.db")}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	adapter := &recordingAdapter{}
	svc, err := deliver.New(deliver.Config{WakeRatePerSec: 1000}, store, adapter, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("deliver.New: %v", err)
	}
	r := newRegistry(t, Config{}, svc, nil)

	if _, err := r.Subscribe("Samus", "ctx-a", "summarize"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st, err := r.Subscribe("samus", "ctx-b", "ignored-since-first-writer-wins")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if st.RefCount != 2 {
		t.Fatalf("refcount = %d, want 2", st.RefCount)
	}

	if _, err := store.Append(ctx, "samus", "link", "hi", time.Time{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r.tick("samus")
	passive := adapter.passiveCopy()
	if len(passive) != 2 {
		t.Fatalf("injections = %d, want one per context", len(passive))
	}
	for _, p := range passive {
		if !strings.Contains(p.text, "hi") || !strings.Contains(p.text, "From: link") {
			t.Fatalf("payload for %s misses the message:\n%s", p.contextID, p.text)
		}
		if !strings.Contains(p.text, "Instructions: summarize") {
			t.Fatalf("payload for %s lost first writer's instructions:\n%s", p.contextID, p.text)
		}
		if strings.Contains(p.text, "ignored-since-first-writer-wins") {
			t.Fatalf("second writer's instructions leaked:\n%s", p.text)
		}
	}

	// Nothing left unread; a second tick is silent.
	r.tick("samus")
	if got := len(adapter.passiveCopy()); got != 2 {
		t.Fatalf("injections after empty tick = %d, want 2", got)
	}

	if st, ok := r.Unsubscribe("samus", "ctx-a"); !ok || st.RefCount != 1 {
		t.Fatalf("unsubscribe ctx-a: %+v", st)
	}
	if st, ok := r.Unsubscribe("samus", "ctx-b"); !ok || st.Watched {
		t.Fatalf("unsubscribe ctx-b: %+v", st)
	}

	// Mail sent with nobody watching accumulates unread and undelivered.
	if _, err := store.Append(ctx, "samus", "link", "anyone there?", time.Time{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	r.tick("samus")
	if got := len(adapter.passiveCopy()); got != 2 {
		t.Fatalf("injections after teardown = %d, want 2", got)
	}
	unread, err := store.UnreadFor(ctx, "samus")
	if err != nil {
		t.Fatalf("UnreadFor: %v", err)
	}
	if len(unread) != 1 || unread[0].Body != "anyone there?" {
		t.Fatalf("unread = %+v", unread)
	}
}

type recordedInjection struct {
	contextID string
	text      string
}

type recordingAdapter struct {
	mu      sync.Mutex
	passive []recordedInjection
	wakes   []string
}

func (a *recordingAdapter) Capability() session.Capability { return session.ResumeCapable }

func (a *recordingAdapter) InjectPassive(_ context.Context, contextID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.passive = append(a.passive, recordedInjection{contextID, text})
	return nil
}

func (a *recordingAdapter) InjectPrompt(_ context.Context, contextID, text string) error {
	return nil
}

func (a *recordingAdapter) Wake(_ context.Context, contextID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wakes = append(a.wakes, contextID)
	return nil
}

func (a *recordingAdapter) passiveCopy() []recordedInjection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedInjection(nil), a.passive...)
}
