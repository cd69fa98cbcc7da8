// Package refine turns a raw user utterance into an instruction the browser
// driver can execute, using remote conversational context.
package refine

import (
	"context"
	"errors"
)

// ErrRefinementUnavailable covers transport, auth and server-side failures.
// Content never causes a failure: when the service has nothing better the
// input comes back unchanged.
var ErrRefinementUnavailable = errors.New("refinement service unavailable")

// Result is a refined instruction plus the conversation id to reuse next time.
type Result struct {
	Instruction    string
	ConversationID string
}

// Refiner is the refinement client contract. A Refine that opened a
// conversation before failing returns a Result carrying only its id next to
// the error, so a retry continues that conversation.
type Refiner interface {
	Refine(ctx context.Context, task, conversationID string) (*Result, error)
}

// Passthrough is the Refiner used when refinement is disabled.
type Passthrough struct{}

func (Passthrough) Refine(_ context.Context, task, conversationID string) (*Result, error) {
	return &Result{Instruction: task, ConversationID: conversationID}, nil
}
