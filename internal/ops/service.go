// Package ops is the operation façade: the four mail operations consumers
// and operators call, plus the HTTP server that exposes them.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbox/internal/eventbus"
	"postbox/internal/mailbox"
	"postbox/internal/watch"
	logx "postbox/pkg/logx"
)

// ErrInvalidInput marks caller mistakes (missing required fields). It is
// surfaced synchronously and maps to HTTP 400 at the server boundary.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// StorePort is the mailbox slice the façade needs.
type StorePort interface {
	Append(ctx context.Context, recipient, sender, body string, at time.Time) (mailbox.Message, error)
	MessagesFor(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]mailbox.Message, error)
	Stats(ctx context.Context) (mailbox.Stats, error)
	CheckHealth(ctx context.Context) error
}

// WatchPort is the registry slice the façade needs.
type WatchPort interface {
	Subscribe(recipient, contextID, instructions string) (watch.Status, error)
	Unsubscribe(recipient, contextID string) (watch.Status, bool)
	UnsubscribeAll(contextID string) []string
	Status(recipient string) watch.Status
	Snapshot() []watch.Status
}

type Service struct {
	store StorePort
	watch WatchPort
	bus   eventbus.Bus
	log   logx.Logger
}

func NewService(store StorePort, w WatchPort, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if store == nil {
		return nil, errors.New("ops: store is required")
	}
	if w == nil {
		return nil, errors.New("ops: watch registry is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, watch: w, bus: bus, log: log}, nil
}

// SendMail stores one message. Recipient and sender are case-normalized, so
// "Samus" and "samus" address the same mailbox.
func (s *Service) SendMail(ctx context.Context, to, from, message string) (string, error) {
	to = mailbox.Normalize(to)
	from = mailbox.Normalize(from)
	if to == "" {
		return "", invalid("to is required")
	}
	if from == "" {
		return "", invalid("from is required")
	}
	if strings.TrimSpace(message) == "" {
		return "", invalid("message is required")
	}

	m, err := s.store.Append(ctx, to, from, message, time.Time{})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicMailStored,
			Data:  eventbus.MailStored{Recipient: m.Recipient, MessageID: m.ID, Sender: m.Sender},
		})
	}
	s.log.Info("mail accepted",
		logx.String("to", m.Recipient),
		logx.String("from", m.Sender),
		logx.String("id", m.ID))
	return fmt.Sprintf("Mail sent to %q from %q.", m.Recipient, m.Sender), nil
}

// WatchUnreadMail subscribes the calling context to a recipient's mailbox.
// When the watch already exists its stored instructions win; the caller is
// told theirs were not applied.
func (s *Service) WatchUnreadMail(ctx context.Context, name, instructions, contextID string) (string, error) {
	if mailbox.Normalize(name) == "" {
		return "", invalid("name is required")
	}
	if strings.TrimSpace(contextID) == "" {
		return "", invalid("context id is required")
	}

	st, err := s.watch.Subscribe(name, contextID, instructions)
	if err != nil {
		return "", invalid("%s", err)
	}

	out := fmt.Sprintf("Watching unread mail for %q (watchers: %d).", st.Recipient, st.RefCount)
	if req := strings.TrimSpace(instructions); req != "" && st.Instructions != req {
		out += " The watch already carries instructions; yours were not applied."
	}
	return out, nil
}

// StopWatchingMail withdraws every subscription the calling context holds
// and returns the recipients affected. A context with none gets an empty
// list, not an error.
func (s *Service) StopWatchingMail(ctx context.Context, contextID string) ([]string, error) {
	if strings.TrimSpace(contextID) == "" {
		return nil, invalid("context id is required")
	}
	return s.watch.UnsubscribeAll(contextID), nil
}

// CheckWatchStatus reports one recipient's watch in operator-readable form.
func (s *Service) CheckWatchStatus(ctx context.Context, name string) (string, error) {
	name = mailbox.Normalize(name)
	if name == "" {
		return "", invalid("name is required")
	}
	st := s.watch.Status(name)
	if !st.Watched {
		return fmt.Sprintf("%q is not watched; mail accumulates unread.", name), nil
	}
	ins := st.Instructions
	if ins == "" {
		ins = "(none)"
	}
	return fmt.Sprintf("%q is watched: refcount %d, %d unique subscriber(s), instructions: %s",
		st.Recipient, st.RefCount, st.Subscribers, ins), nil
}

// Command describes one façade operation for external tool registration.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage"`
}

// Commands lists the operations this façade exposes.
func (s *Service) Commands() []Command {
	return []Command{
		{
			Name:        "send_mail",
			Description: "Store a message for a named recipient; delivered on their next watched poll.",
			Usage:       "send_mail <to> <from> <message>",
		},
		{
			Name:        "watch_unread_mail",
			Description: "Poll a recipient's mailbox and push unread mail into the calling context.",
			Usage:       "watch_unread_mail <name> [instructions]",
		},
		{
			Name:        "stop_watching_mail",
			Description: "Withdraw all of the calling context's watches.",
			Usage:       "stop_watching_mail",
		},
		{
			Name:        "check_watch_status",
			Description: "Report whether a recipient is watched, by how many subscribers, and with what instructions.",
			Usage:       "check_watch_status <name>",
		},
	}
}
