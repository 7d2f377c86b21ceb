package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "postbox/pkg/logx"
)

// TelegramConfig configures the Telegram variant. Context IDs are chat IDs
// rendered as decimal strings.
type TelegramConfig struct {
	Token string
}

// Telegram treats a Telegram chat as a consumer context. Passive injection
// is a silent message (no client notification), a prompt is a notifying one.
// Telegram has no resume primitive, so the adapter is prompt-only and Wake
// always fails with ErrResumeUnsupported.
//
// The adapter only sends; it never long-polls for updates.
type Telegram struct {
	log logx.Logger
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{log: log, bot: b}, nil
}

func (t *Telegram) Capability() Capability { return PromptOnly }

func (t *Telegram) InjectPassive(ctx context.Context, contextID, text string) error {
	return t.send(ctx, contextID, text, true)
}

func (t *Telegram) InjectPrompt(ctx context.Context, contextID, text string) error {
	return t.send(ctx, contextID, text, false)
}

func (t *Telegram) Wake(ctx context.Context, contextID string) error {
	return ErrResumeUnsupported
}

func (t *Telegram) send(ctx context.Context, contextID, text string, silent bool) error {
	id, err := chatID(contextID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: id}

	for _, chunk := range splitText(text, telegramTextLimit) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		opt := &tele.SendOptions{
			DisableNotification:   silent,
			DisableWebPagePreview: true,
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send to %s: %w", contextID, err)
		}
	}
	return nil
}

func chatID(contextID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(contextID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram context id %q is not a chat id", contextID)
	}
	return id, nil
}

const telegramTextLimit = 4000

// splitText splits long payloads into chunks Telegram will accept,
// preferring newline boundaries so messages don't break mid-line.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer a newline near the end of the window, but never produce a
		// tiny fragment just to honor one.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
