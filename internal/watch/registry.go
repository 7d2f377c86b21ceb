// Package watch owns the recipient → poll-entry map. A recipient is polled
// while at least one consumer context subscribes to it; the last unsubscribe
// cancels the poll and mail simply accumulates unread.
package watch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbox/internal/deliver"
	"postbox/internal/eventbus"
	"postbox/internal/mailbox"
	logx "postbox/pkg/logx"
)

// Notifier is the delivery side the registry drives on every tick.
type Notifier interface {
	Deliver(ctx context.Context, job deliver.Job) error
}

type Config struct {
	PollInterval time.Duration // default 5s, minimum 1s (scheduler resolution)
	TickTimeout  time.Duration // per-tick delivery deadline, default 30s
}

// Status describes one recipient's watch as seen by operators.
type Status struct {
	Recipient    string `json:"recipient"`
	Watched      bool   `json:"watched"`
	RefCount     int    `json:"ref_count"`
	Subscribers  int    `json:"subscribers"`
	Instructions string `json:"instructions,omitempty"`
}

// entry is the per-recipient watch state. It exists iff refCount > 0, and
// exactly one scheduler entry runs for it while the registry is started.
type entry struct {
	recipient    string
	instructions string
	refCount     int
	entryID      cron.EntryID
	subscribers  map[string]struct{}
}

type Registry struct {
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus

	runCtx context.Context // parent of every tick context
	cancel context.CancelFunc

	mu        sync.Mutex
	cfg       Config
	c         *cron.Cron
	entries   map[string]*entry
	byContext map[string]map[string]struct{} // contextID → recipients it watches
}

func New(cfg Config, notifier Notifier, log logx.Logger, bus eventbus.Bus) (*Registry, error) {
	if notifier == nil {
		return nil, errors.New("watch: notifier is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		notifier:  notifier,
		log:       log,
		bus:       bus,
		runCtx:    runCtx,
		cancel:    cancel,
		cfg:       cfg,
		entries:   map[string]*entry{},
		byContext: map[string]map[string]struct{}{},
	}, nil
}

// Subscribe registers contextID as a watcher of recipient. The first
// subscription creates the poll entry; later ones share it. Instructions are
// first-writer-wins: whatever the creating subscription stored stays, even
// when later subscribers supply different text. Re-subscribing an
// already-subscribed context changes nothing.
func (r *Registry) Subscribe(recipient, contextID, instructions string) (Status, error) {
	recipient = mailbox.Normalize(recipient)
	contextID = strings.TrimSpace(contextID)
	if recipient == "" {
		return Status{}, errors.New("recipient is required")
	}
	if contextID == "" {
		return Status{}, errors.New("context id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[recipient]
	if !exists {
		e = &entry{
			recipient:    recipient,
			instructions: strings.TrimSpace(instructions),
			subscribers:  map[string]struct{}{},
		}
		r.entries[recipient] = e
		r.scheduleLocked(e)
	}

	if _, dup := e.subscribers[contextID]; !dup {
		e.subscribers[contextID] = struct{}{}
		e.refCount++
		idx := r.byContext[contextID]
		if idx == nil {
			idx = map[string]struct{}{}
			r.byContext[contextID] = idx
		}
		idx[recipient] = struct{}{}
	}

	if !exists {
		r.publish(eventbus.TopicWatchStarted, e)
		r.log.Info("watch started",
			logx.String("recipient", recipient),
			logx.String("context", contextID))
	} else {
		r.log.Debug("watch subscription",
			logx.String("recipient", recipient),
			logx.String("context", contextID),
			logx.Int("refcount", e.refCount))
	}
	return r.statusLocked(recipient), nil
}

// Unsubscribe withdraws one context's subscription and reports whether it
// was subscribed at all. The last subscriber leaving removes the poll entry.
func (r *Registry) Unsubscribe(recipient, contextID string) (Status, bool) {
	recipient = mailbox.Normalize(recipient)
	contextID = strings.TrimSpace(contextID)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[recipient]
	if !ok {
		return r.statusLocked(recipient), false
	}
	if _, sub := e.subscribers[contextID]; !sub {
		return r.statusLocked(recipient), false
	}

	delete(e.subscribers, contextID)
	e.refCount--
	if idx := r.byContext[contextID]; idx != nil {
		delete(idx, recipient)
		if len(idx) == 0 {
			delete(r.byContext, contextID)
		}
	}

	if e.refCount <= 0 {
		r.dropLocked(e)
	} else {
		r.log.Debug("watch subscription withdrawn",
			logx.String("recipient", recipient),
			logx.String("context", contextID),
			logx.Int("refcount", e.refCount))
	}
	return r.statusLocked(recipient), true
}

// UnsubscribeAll withdraws every subscription held by contextID and returns
// the recipients affected, sorted. Safe for contexts that hold none.
func (r *Registry) UnsubscribeAll(contextID string) []string {
	contextID = strings.TrimSpace(contextID)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.byContext[contextID]
	if len(idx) == 0 {
		return nil
	}
	recipients := make([]string, 0, len(idx))
	for rec := range idx {
		recipients = append(recipients, rec)
	}
	sort.Strings(recipients)

	for _, rec := range recipients {
		e := r.entries[rec]
		if e == nil {
			continue
		}
		delete(e.subscribers, contextID)
		e.refCount--
		if e.refCount <= 0 {
			r.dropLocked(e)
		}
	}
	delete(r.byContext, contextID)

	r.log.Info("context subscriptions withdrawn",
		logx.String("context", contextID),
		logx.Int("watches", len(recipients)))
	return recipients
}

func (r *Registry) Status(recipient string) Status {
	recipient = mailbox.Normalize(recipient)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(recipient)
}

// Snapshot lists every active watch, ordered by recipient.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for rec := range r.entries {
		out = append(out, r.statusLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

func (r *Registry) statusLocked(recipient string) Status {
	e, ok := r.entries[recipient]
	if !ok {
		return Status{Recipient: recipient}
	}
	return Status{
		Recipient:    recipient,
		Watched:      true,
		RefCount:     e.refCount,
		Subscribers:  len(e.subscribers),
		Instructions: e.instructions,
	}
}

// Start builds the scheduler and attaches watches registered before startup.
// Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log})))
	for _, e := range r.entries {
		r.scheduleLocked(e)
	}
	r.c.Start()
	r.log.Info("registry started",
		logx.Duration("poll", r.cfg.PollInterval),
		logx.Int("watches", len(r.entries)))
}

// Stop halts polling, waits out in-flight ticks (bounded by ctx), then
// cancels the tick context. Watch state survives for a later Start.
func (r *Registry) Stop(ctx context.Context) {
	start := time.Now()

	r.mu.Lock()
	c := r.c
	r.c = nil
	for _, e := range r.entries {
		e.entryID = 0
	}
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	r.cancel()
	r.log.Info("registry stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the poll cadence at runtime; entries are rescheduled in place.
// TickTimeout changes take effect on the next tick.
func (r *Registry) Apply(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reschedule := cfg.PollInterval != r.cfg.PollInterval
	r.cfg = cfg
	if !reschedule || r.c == nil {
		return
	}
	for _, e := range r.entries {
		if e.entryID != 0 {
			r.c.Remove(e.entryID)
			e.entryID = 0
		}
		r.scheduleLocked(e)
	}
	r.log.Info("poll interval applied", logx.Duration("poll", cfg.PollInterval))
}

// scheduleLocked attaches the recipient's recurring poll to the running
// scheduler. Before Start the entry just sits in the map; Start picks it up.
func (r *Registry) scheduleLocked(e *entry) {
	if r.c == nil {
		return
	}
	rec := e.recipient
	e.entryID = r.c.Schedule(cron.Every(r.cfg.PollInterval), cron.FuncJob(func() {
		r.tick(rec)
	}))
}

// tick runs one poll pass for a recipient. The job is snapshotted under the
// lock so an unsubscribe during delivery cannot mutate the batch; an entry
// removed between scheduling and firing is a clean no-op.
func (r *Registry) tick(recipient string) {
	r.mu.Lock()
	e, ok := r.entries[recipient]
	if !ok {
		r.mu.Unlock()
		return
	}
	job := deliver.Job{
		Recipient:    recipient,
		Instructions: e.instructions,
		ContextIDs:   make([]string, 0, len(e.subscribers)),
	}
	for id := range e.subscribers {
		job.ContextIDs = append(job.ContextIDs, id)
	}
	timeout := r.cfg.TickTimeout
	runCtx := r.runCtx
	r.mu.Unlock()

	sort.Strings(job.ContextIDs)

	ctx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()
	if err := r.notifier.Deliver(ctx, job); err != nil {
		// Poll failures never reach subscribers; the next tick retries
		// whatever is still unread.
		r.log.Warn("poll tick failed", logx.String("recipient", recipient), logx.Err(err))
	}
}

func (r *Registry) dropLocked(e *entry) {
	if r.c != nil && e.entryID != 0 {
		r.c.Remove(e.entryID)
	}
	e.entryID = 0
	delete(r.entries, e.recipient)
	r.publish(eventbus.TopicWatchStopped, e)
	r.log.Info("watch stopped", logx.String("recipient", e.recipient))
}

func (r *Registry) publish(topic string, e *entry) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Topic: topic,
		Data: eventbus.WatchChange{
			Recipient:   e.recipient,
			RefCount:    e.refCount,
			Subscribers: len(e.subscribers),
		},
	})
}

// cronLogger routes the scheduler's own messages (overlap skips, recovered
// panics) into the service log.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug("scheduler: "+msg, logx.Any("detail", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error("scheduler: "+msg, logx.Err(err), logx.Any("detail", kv))
}
