package inference

import (
	"context"

	"github.com/go-go-golems/bramble/pkg/conversation"
	"github.com/go-go-golems/bramble/pkg/helpers"
)

// Engine is the abstract streaming inference collaborator. Given an
// aggregated context, it yields text fragments until completion, error, or
// cancellation of the passed context.
//
// The returned channel is closed when the generation is done. Errors are
// delivered in-band as error results; a cancelled context simply stops the
// stream.
type Engine interface {
	Generate(ctx context.Context, messages conversation.Conversation, model string) (<-chan helpers.Result[string], error)
}
