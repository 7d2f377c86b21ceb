package deliver

import (
	"fmt"
	"strings"
	"time"

	"postbox/internal/mailbox"
)

// protocolTrailer closes every delivery. The injected history is one-way, so
// the consumer has to be told how to answer.
const protocolTrailer = `Replying in place does nothing; to answer a sender, send mail back ` +
	`addressed to them (the send_mail operation). If a message offers fixed ` +
	`options, begin your reply body with a "Choices:" line naming the option ` +
	`you picked.`

// wakePrompt is the fallback for prompt-only adapters. Unlike the mail
// payload it is meant to trigger a reply.
const wakePrompt = "You have new mail in your history. Read it and follow any instructions it carries."

// BuildPayload renders one claimed batch as a single text block: a count
// line, each message with its envelope, the watch's instructions, and the
// protocol trailer. Messages are rendered in the order given (oldest first).
func BuildPayload(msgs []mailbox.Message, instructions string) string {
	var b strings.Builder

	if len(msgs) == 1 {
		b.WriteString("You have 1 new mail message.\n")
	} else {
		fmt.Fprintf(&b, "You have %d new mail messages.\n", len(msgs))
	}

	for _, m := range msgs {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "From: %s\n", m.Sender)
		fmt.Fprintf(&b, "To: %s\n", m.Recipient)
		fmt.Fprintf(&b, "Date: %s\n\n", m.CreatedAt.UTC().Format(time.RFC3339))
		b.WriteString(strings.TrimRight(m.Body, "\n"))
		b.WriteByte('\n')
	}

	if ins := strings.TrimSpace(instructions); ins != "" {
		fmt.Fprintf(&b, "\nInstructions: %s\n", ins)
	}

	b.WriteByte('\n')
	b.WriteString(protocolTrailer)
	return b.String()
}
