package deliver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"postbox/internal/eventbus"
	"postbox/internal/mailbox"
	"postbox/internal/session"
	logx "postbox/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	msgs     []mailbox.Message
	fetchErr error
	markErr  map[string]error
}

func (f *fakeStore) UnreadFor(_ context.Context, recipient string) ([]mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []mailbox.Message
	for _, m := range f.msgs {
		if m.Recipient == recipient && !m.Read {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) MarkRead(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErr[id]; err != nil {
		return false, err
	}
	for i := range f.msgs {
		if f.msgs[i].ID == id && !f.msgs[i].Read {
			f.msgs[i].Read = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) unreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if !m.Read {
			n++
		}
	}
	return n
}

type injection struct {
	contextID string
	text      string
}

type fakeAdapter struct {
	mu         sync.Mutex
	capability session.Capability
	injectErr  map[string]error
	wakeErr    error

	passive []injection
	prompts []injection
	wakes   []string
}

func (f *fakeAdapter) Capability() session.Capability { return f.capability }

func (f *fakeAdapter) InjectPassive(_ context.Context, contextID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectErr[contextID]; err != nil {
		return err
	}
	f.passive = append(f.passive, injection{contextID, text})
	return nil
}

func (f *fakeAdapter) InjectPrompt(_ context.Context, contextID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, injection{contextID, text})
	return nil
}

func (f *fakeAdapter) Wake(_ context.Context, contextID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wakeErr != nil {
		return f.wakeErr
	}
	f.wakes = append(f.wakes, contextID)
	return nil
}

func (f *fakeAdapter) snapshot() ([]injection, []injection, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]injection(nil), f.passive...),
		append([]injection(nil), f.prompts...),
		append([]string(nil), f.wakes...)
}

func msg(id, recipient, sender, body string, at time.Time) mailbox.Message {
	return mailbox.Message{ID: id, Recipient: recipient, Sender: sender, Body: body, CreatedAt: at}
}

func newService(t *testing.T, store Store, adapter session.Adapter, bus eventbus.Bus) *Service {
	t.Helper()
	svc, err := New(Config{WakeRatePerSec: 1000}, store, adapter, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestDeliverAtMostOnce(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{msgs: []mailbox.Message{
		msg("m1", "samus", "link", "hi", base),
		msg("m2", "samus", "link", "status?", base.Add(time.Second)),
	}}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	svc := newService(t, store, adapter, nil)

	job := Job{Recipient: "samus", ContextIDs: []string{"ctx-a"}}
	if err := svc.Deliver(context.Background(), job); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	if got := store.unreadCount(); got != 0 {
		t.Fatalf("unread after delivery = %d, want 0", got)
	}

	// Second tick with nothing pending must be silent.
	if err := svc.Deliver(context.Background(), job); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}
	passive, _, wakes := adapter.snapshot()
	if len(passive) != 1 {
		t.Fatalf("passive injections = %d, want 1", len(passive))
	}
	if len(wakes) != 1 || wakes[0] != "ctx-a" {
		t.Fatalf("wakes = %v, want [ctx-a]", wakes)
	}
	for _, body := range []string{"hi", "status?"} {
		if strings.Count(passive[0].text, body) != 1 {
			t.Fatalf("payload does not carry %q exactly once:\n%s", body, passive[0].text)
		}
	}
}

func TestDeliverOrderingAndFanOut(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{msgs: []mailbox.Message{
		msg("m3", "samus", "zelda", "third", base.Add(2*time.Second)),
		msg("m1", "samus", "link", "first", base),
		msg("m2", "samus", "link", "second", base.Add(time.Second)),
	}}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	svc := newService(t, store, adapter, bus)
	job := Job{Recipient: "samus", Instructions: "summarize", ContextIDs: []string{"ctx-a", "ctx-b"}}
	if err := svc.Deliver(context.Background(), job); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	passive, _, wakes := adapter.snapshot()
	if len(passive) != 2 {
		t.Fatalf("passive injections = %d, want 2", len(passive))
	}
	if passive[0].text != passive[1].text {
		t.Fatal("contexts received different payloads")
	}
	if len(wakes) != 2 {
		t.Fatalf("wakes = %v, want both contexts", wakes)
	}

	text := passive[0].text
	i1, i2, i3 := strings.Index(text, "first"), strings.Index(text, "second"), strings.Index(text, "third")
	if i1 < 0 || i2 < 0 || i3 < 0 || !(i1 < i2 && i2 < i3) {
		t.Fatalf("messages out of order in payload:\n%s", text)
	}
	if !strings.Contains(text, "Instructions: summarize") {
		t.Fatalf("payload misses instructions:\n%s", text)
	}

	select {
	case e := <-events:
		if e.Topic != eventbus.TopicMailDelivered {
			t.Fatalf("event topic = %s", e.Topic)
		}
		d := e.Data.(eventbus.MailDelivered)
		if d.Recipient != "samus" || d.Messages != 3 || d.Contexts != 2 {
			t.Fatalf("delivered event = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no mail.delivered event")
	}
}

func TestDeliverWakeFallbackForPromptOnly(t *testing.T) {
	t.Parallel()

	store := &fakeStore{msgs: []mailbox.Message{
		msg("m1", "samus", "link", "hi", time.Now()),
	}}
	adapter := &fakeAdapter{capability: session.PromptOnly}
	svc := newService(t, store, adapter, nil)

	if err := svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"42"}}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	_, prompts, wakes := adapter.snapshot()
	if len(wakes) != 0 {
		t.Fatalf("prompt-only adapter was woken via resume: %v", wakes)
	}
	if len(prompts) != 1 || prompts[0].contextID != "42" {
		t.Fatalf("prompts = %v, want one for context 42", prompts)
	}
	if !strings.Contains(prompts[0].text, "new mail") {
		t.Fatalf("wake prompt text = %q", prompts[0].text)
	}
}

func TestDeliverInjectionFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	store := &fakeStore{msgs: []mailbox.Message{
		msg("m1", "samus", "link", "hi", time.Now()),
	}}
	adapter := &fakeAdapter{
		capability: session.ResumeCapable,
		injectErr:  map[string]error{"ctx-broken": errors.New("context gone")},
	}
	svc := newService(t, store, adapter, nil)

	err := svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"ctx-broken", "ctx-ok"}})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	passive, _, _ := adapter.snapshot()
	if len(passive) != 1 || passive[0].contextID != "ctx-ok" {
		t.Fatalf("passive = %v, want only ctx-ok", passive)
	}
	// The failed context's copy is gone for good; nothing is rolled back.
	if got := store.unreadCount(); got != 0 {
		t.Fatalf("unread = %d, want 0 after claim", got)
	}
}

func TestDeliverAllInjectionsFailed(t *testing.T) {
	t.Parallel()

	store := &fakeStore{msgs: []mailbox.Message{
		msg("m1", "samus", "link", "hi", time.Now()),
	}}
	adapter := &fakeAdapter{
		capability: session.ResumeCapable,
		injectErr:  map[string]error{"ctx-a": errors.New("down")},
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	svc := newService(t, store, adapter, bus)
	err := svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"ctx-a"}})
	if err == nil {
		t.Fatal("expected error when every context rejects the payload")
	}
	select {
	case e := <-events:
		if e.Topic != eventbus.TopicDeliveryFailed {
			t.Fatalf("event topic = %s", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no mail.delivery_failed event")
	}
}

func TestDeliverPartialClaimDeliversOwnedSubset(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		msgs: []mailbox.Message{
			msg("m1", "samus", "link", "first", base),
			msg("m2", "samus", "link", "second", base.Add(time.Second)),
		},
		markErr: map[string]error{"m2": errors.New("disk i/o error")},
	}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	svc := newService(t, store, adapter, nil)

	if err := svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"ctx-a"}}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	passive, _, _ := adapter.snapshot()
	if len(passive) != 1 {
		t.Fatalf("passive injections = %d, want 1", len(passive))
	}
	if !strings.Contains(passive[0].text, "first") || strings.Contains(passive[0].text, "second") {
		t.Fatalf("payload should carry only the claimed message:\n%s", passive[0].text)
	}
	// m2 is still unread and will ride the next tick.
	if got := store.unreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestDeliverClaimErrorWithNothingOwned(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		msgs:    []mailbox.Message{msg("m1", "samus", "link", "hi", time.Now())},
		markErr: map[string]error{"m1": errors.New("database is locked")},
	}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	svc := newService(t, store, adapter, nil)

	err := svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"ctx-a"}})
	if err == nil {
		t.Fatal("expected claim error to surface")
	}
	passive, prompts, wakes := adapter.snapshot()
	if len(passive)+len(prompts)+len(wakes) != 0 {
		t.Fatal("adapter touched despite empty claim")
	}
}

func TestDeliverEmptyInboxIsSilent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	svc := newService(t, store, adapter, nil)

	if err := svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"ctx-a"}}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	passive, prompts, wakes := adapter.snapshot()
	if len(passive)+len(prompts)+len(wakes) != 0 {
		t.Fatal("adapter touched for an empty inbox")
	}
}

func TestDeliverWithoutSubscribersLeavesMailUnread(t *testing.T) {
	t.Parallel()

	store := &fakeStore{msgs: []mailbox.Message{
		msg("m1", "samus", "link", "hi", time.Now()),
	}}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	svc := newService(t, store, adapter, nil)

	if err := svc.Deliver(context.Background(), Job{Recipient: "samus"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := store.unreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1 (never claim into the void)", got)
	}
}

func TestDeliverConcurrentPollersShareNothing(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	for i := 0; i < 20; i++ {
		store.msgs = append(store.msgs,
			msg(fmt.Sprintf("m%02d", i), "samus", "link", fmt.Sprintf("body-%02d", i), base.Add(time.Duration(i)*time.Second)))
	}
	adapter := &fakeAdapter{capability: session.ResumeCapable}
	svc := newService(t, store, adapter, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Deliver(context.Background(), Job{Recipient: "samus", ContextIDs: []string{"ctx-a"}})
		}()
	}
	wg.Wait()

	passive, _, _ := adapter.snapshot()
	var all strings.Builder
	for _, p := range passive {
		all.WriteString(p.text)
	}
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf("body-%02d", i)
		if got := strings.Count(all.String(), body); got != 1 {
			t.Fatalf("%s delivered %d times, want exactly once", body, got)
		}
	}
}
