// Package deliver drains unread mail for watched recipients and pushes it
// into subscribed consumer contexts. Messages are claimed (marked read)
// before any notification goes out: at-most-once, never twice.
package deliver

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"postbox/internal/eventbus"
	"postbox/internal/mailbox"
	"postbox/internal/session"
	logx "postbox/pkg/logx"
)

// Job is one poll-tick delivery order: a recipient plus the watch state the
// registry snapshotted at tick time.
type Job struct {
	Recipient    string
	Instructions string
	ContextIDs   []string
}

// Store is the slice of the mailbox the notifier needs.
type Store interface {
	UnreadFor(ctx context.Context, recipient string) ([]mailbox.Message, error)
	MarkRead(ctx context.Context, id string) (bool, error)
}

type Config struct {
	// WakeRatePerSec caps wake calls across all recipients so a large
	// subscriber fan-out cannot stampede the session runtime. Default 5.
	WakeRatePerSec float64
}

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	store   Store
	adapter session.Adapter

	wake *rate.Limiter
}

func New(cfg Config, store Store, adapter session.Adapter, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if store == nil {
		return nil, errors.New("deliver: store is required")
	}
	if adapter == nil {
		return nil, errors.New("deliver: session adapter is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.WakeRatePerSec <= 0 {
		cfg.WakeRatePerSec = 5
	}
	return &Service{
		log:     log,
		bus:     bus,
		store:   store,
		adapter: adapter,
		wake:    rate.NewLimiter(rate.Limit(cfg.WakeRatePerSec), 1),
	}, nil
}

// Apply adjusts the wake rate in place; in-flight Wait calls pick it up.
func (s *Service) Apply(cfg Config) {
	if cfg.WakeRatePerSec <= 0 {
		cfg.WakeRatePerSec = 5
	}
	s.wake.SetLimit(rate.Limit(cfg.WakeRatePerSec))
}

// Deliver fetches the recipient's unread mail, claims it, and injects one
// combined payload into every subscribed context. A message whose claim
// succeeded but whose injection failed is dropped, not retried: the read
// flag is the delivery ledger and it already says delivered.
func (s *Service) Deliver(ctx context.Context, job Job) error {
	recipient := mailbox.Normalize(job.Recipient)
	if len(job.ContextIDs) == 0 {
		// Nobody to hand mail to; leave it unread rather than claim it
		// into the void.
		return nil
	}

	pending, err := s.store.UnreadFor(ctx, recipient)
	if err != nil {
		s.publishFailure(recipient, err)
		return fmt.Errorf("fetch unread for %s: %w", recipient, err)
	}
	if len(pending) == 0 {
		return nil
	}

	claimed, claimErr := s.claim(ctx, pending)
	if len(claimed) == 0 {
		if claimErr != nil {
			s.publishFailure(recipient, claimErr)
			return fmt.Errorf("claim mail for %s: %w", recipient, claimErr)
		}
		// A concurrent poller claimed the whole batch.
		return nil
	}
	if claimErr != nil {
		// Deliver what we own; the rest stays unread for the next tick.
		s.log.Warn("partial mail claim",
			logx.String("recipient", recipient),
			logx.Int("claimed", len(claimed)),
			logx.Int("pending", len(pending)),
			logx.Err(claimErr))
	}

	payload := BuildPayload(claimed, job.Instructions)

	delivered := 0
	for _, contextID := range job.ContextIDs {
		if err := s.adapter.InjectPassive(ctx, contextID, payload); err != nil {
			s.log.Error("mail injection failed",
				logx.String("recipient", recipient),
				logx.String("context", contextID),
				logx.Err(err))
			continue
		}
		s.wakeContext(ctx, recipient, contextID)
		delivered++
	}

	if delivered == 0 {
		err := fmt.Errorf("no context accepted mail for %s", recipient)
		s.publishFailure(recipient, err)
		return err
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicMailDelivered,
			Data: eventbus.MailDelivered{
				Recipient: recipient,
				Messages:  len(claimed),
				Contexts:  delivered,
			},
		})
	}
	s.log.Info("mail delivered",
		logx.String("recipient", recipient),
		logx.Int("messages", len(claimed)),
		logx.Int("contexts", delivered))
	return nil
}

// claim flips messages to read one at a time, stopping at the first store
// error. Messages another poller already claimed are skipped silently.
func (s *Service) claim(ctx context.Context, pending []mailbox.Message) ([]mailbox.Message, error) {
	claimed := make([]mailbox.Message, 0, len(pending))
	for _, m := range pending {
		ok, err := s.store.MarkRead(ctx, m.ID)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}

func (s *Service) wakeContext(ctx context.Context, recipient, contextID string) {
	if err := s.wake.Wait(ctx); err != nil {
		return
	}
	var err error
	if s.adapter.Capability() == session.ResumeCapable {
		err = s.adapter.Wake(ctx, contextID)
	} else {
		err = s.adapter.InjectPrompt(ctx, contextID, wakePrompt)
	}
	if err != nil {
		// The payload already landed; a failed wake only delays pickup.
		s.log.Warn("context wake failed",
			logx.String("recipient", recipient),
			logx.String("context", contextID),
			logx.Err(err))
	}
}

func (s *Service) publishFailure(recipient string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicDeliveryFailed,
		Data:  eventbus.DeliveryFailed{Recipient: recipient, Reason: err.Error()},
	})
}
