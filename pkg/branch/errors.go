package branch

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/bramble/pkg/conversation"
)

var (
	// ErrTargetNotFound means the trigger message could not be resolved in
	// the parent node's context. Nothing is created and the creation lock is
	// released.
	ErrTargetNotFound = errors.New("trigger message not found")

	// ErrNodeNotFound means a node ID does not resolve in the registry.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidMessageReference means a stored parent message reference no
	// longer resolves during context reconstruction.
	ErrInvalidMessageReference = errors.New("parent message reference does not resolve")
)

// DuplicateBranchError reports that a branch for the trigger message already
// exists. It is recovered locally: the caller gets the notice and decides
// whether to confirm the creation anyway.
type DuplicateBranchError struct {
	Notice BranchExistsNotice
}

func (e *DuplicateBranchError) Error() string {
	return fmt.Sprintf("branch %s already exists for message %s", e.Notice.ExistingBranchID, e.Notice.TriggerMessageID)
}

// IsDuplicateBranch unwraps a DuplicateBranchError if err carries one.
func IsDuplicateBranch(err error) (*DuplicateBranchError, bool) {
	var dup *DuplicateBranchError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// BranchExistsNotice is the structured warning handed to the caller instead
// of silently duplicating a branch.
type BranchExistsNotice struct {
	ExistingBranchID NodeID                 `json:"existingBranchId"`
	TriggerMessageID conversation.MessageID `json:"triggerMessageId"`
	MultiBranch      bool                   `json:"multiBranch"`
}

// NewBranchExistsNotice builds the warning. Pure function of its inputs; the
// engine never auto-navigates or auto-creates on a duplicate.
func NewBranchExistsNotice(existingBranchID NodeID, triggerMessageID conversation.MessageID, multiBranch bool) BranchExistsNotice {
	return BranchExistsNotice{
		ExistingBranchID: existingBranchID,
		TriggerMessageID: triggerMessageID,
		MultiBranch:      multiBranch,
	}
}
