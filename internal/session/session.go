// Package session abstracts the consumer side of mail delivery: a running
// conversation ("context") that text can be injected into and that can be
// woken to process what arrived.
//
// Two production variants exist: an HTTP session-runtime adapter that has a
// real resume primitive, and a Telegram chat adapter that does not. The
// capability is fixed at construction and checked by callers, never probed
// per call.
package session

import (
	"context"
	"errors"
)

// ErrResumeUnsupported is returned by Wake on adapters that cannot resume an
// idle context. Callers fall back to InjectPrompt.
var ErrResumeUnsupported = errors.New("session: resume not supported by this adapter")

// Capability describes how a context can be woken.
type Capability int

const (
	// PromptOnly adapters cannot resume an idle context; waking degrades to
	// injecting an active prompt that triggers a reply.
	PromptOnly Capability = iota
	// ResumeCapable adapters expose a true resume operation.
	ResumeCapable
)

func (c Capability) String() string {
	switch c {
	case ResumeCapable:
		return "resume"
	case PromptOnly:
		return "prompt-only"
	default:
		return "unknown"
	}
}

// Adapter is the consumer session boundary.
//
// InjectPassive adds text to the context's history without triggering a
// reply; InjectPrompt adds text that does trigger one. Wake resumes an idle
// context so it processes pending history, and returns ErrResumeUnsupported
// on PromptOnly adapters.
type Adapter interface {
	Capability() Capability
	InjectPassive(ctx context.Context, contextID, text string) error
	InjectPrompt(ctx context.Context, contextID, text string) error
	Wake(ctx context.Context, contextID string) error
}
