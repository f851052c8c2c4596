package memory

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier is the memory/summarization collaborator boundary. The engine
// calls it fire-and-forget: failures are logged and otherwise ignored, and
// the engine never blocks on it.
//
// IDs are plain strings so implementations do not need the engine's types.
type Notifier interface {
	BranchCreated(ctx context.Context, newBranchID string, parentBranchID string) error
	ResponseFinalized(ctx context.Context, responseText string, branchID string, messageID string) error
}

// Notify runs f on its own goroutine and logs any error. This is the single
// dispatch point for fire-and-forget collaborator calls.
func Notify(name string, f func() error) {
	go func() {
		if err := f(); err != nil {
			log.Warn().Err(err).Str("notification", name).Msg("memory notification failed")
		}
	}()
}

// LogNotifier logs every notification. Useful as a default collaborator in
// demos and tests.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) BranchCreated(_ context.Context, newBranchID string, parentBranchID string) error {
	log.Debug().Str("branch_id", newBranchID).Str("parent_branch_id", parentBranchID).Msg("branch created")
	return nil
}

func (n *LogNotifier) ResponseFinalized(_ context.Context, responseText string, branchID string, messageID string) error {
	log.Debug().Str("branch_id", branchID).Str("message_id", messageID).Int("text_len", len(responseText)).Msg("response finalized")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
