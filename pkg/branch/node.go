package branch

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/bramble/pkg/conversation"
)

type NodeID string

// RootNodeID is the reserved ID of the root conversation branch.
const RootNodeID NodeID = "main"

func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

func (id NodeID) String() string {
	return string(id)
}

type GenerationState string

const (
	GenerationIdle       GenerationState = "idle"
	GenerationGenerating GenerationState = "generating"
	GenerationAborting   GenerationState = "aborting"
)

// Node is a conversation branch. Its message list is always the
// concatenation of the messages inherited from the ancestor chain at branch
// time and the messages created locally afterwards; Messages is the only way
// to read the combined list, so the two slices cannot drift from a third
// source of truth.
type Node struct {
	ID           NodeID `json:"id"`
	ParentNodeID NodeID `json:"parentNodeId,omitempty"`
	// ParentMessageID is the message in the parent node this branch was
	// created from.
	ParentMessageID conversation.MessageID `json:"parentMessageId,omitempty"`
	// TriggerMessageID is the message the branch-creation request originated
	// from. It equals ParentMessageID except in multi-model fan-out, where
	// each sibling branch hangs off its own reply but shares the trigger.
	TriggerMessageID conversation.MessageID `json:"triggerMessageId,omitempty"`

	InheritedMessages conversation.Conversation `json:"inheritedMessages"`
	BranchMessages    conversation.Conversation `json:"branchMessages"`

	SelectedModels []string        `json:"selectedModels,omitempty"`
	MultiModelMode bool            `json:"multiModelMode,omitempty"`
	State          GenerationState `json:"generationState,omitempty"`
}

type NodeOption func(*Node)

func WithParent(parentNodeID NodeID, parentMessageID conversation.MessageID) NodeOption {
	return func(n *Node) {
		n.ParentNodeID = parentNodeID
		n.ParentMessageID = parentMessageID
	}
}

func WithTriggerMessage(triggerMessageID conversation.MessageID) NodeOption {
	return func(n *Node) {
		n.TriggerMessageID = triggerMessageID
	}
}

func WithInheritedMessages(messages ...*conversation.Message) NodeOption {
	return func(n *Node) {
		n.InheritedMessages = messages
	}
}

func WithBranchMessages(messages ...*conversation.Message) NodeOption {
	return func(n *Node) {
		n.BranchMessages = messages
	}
}

func WithSelectedModels(models ...string) NodeOption {
	return func(n *Node) {
		n.SelectedModels = models
	}
}

func WithMultiModelMode(multi bool) NodeOption {
	return func(n *Node) {
		n.MultiModelMode = multi
	}
}

func NewNode(id NodeID, options ...NodeOption) *Node {
	ret := &Node{
		ID:    id,
		State: GenerationIdle,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Messages returns the combined message list, deduplicated by ID with the
// inherited prefix winning.
func (n *Node) Messages() conversation.Conversation {
	combined := make(conversation.Conversation, 0, len(n.InheritedMessages)+len(n.BranchMessages))
	combined = append(combined, n.InheritedMessages...)
	combined = append(combined, n.BranchMessages...)
	return conversation.DeduplicateByID(combined)
}

// FindMessage looks a message up in the combined list.
func (n *Node) FindMessage(id conversation.MessageID) (*conversation.Message, bool) {
	for _, m := range n.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// StreamingMessages returns the messages currently being generated.
func (n *Node) StreamingMessages() conversation.Conversation {
	var ret conversation.Conversation
	for _, m := range n.BranchMessages {
		if m.IsStreaming {
			ret = append(ret, m)
		}
	}
	return ret
}

// AppendBranchMessages adds locally created messages to the node.
func (n *Node) AppendBranchMessages(messages ...*conversation.Message) {
	n.BranchMessages = append(n.BranchMessages, messages...)
}

// RemoveBranchMessage drops a branch-local message by ID. Inherited messages
// are never removed.
func (n *Node) RemoveBranchMessage(id conversation.MessageID) {
	ret := make(conversation.Conversation, 0, len(n.BranchMessages))
	for _, m := range n.BranchMessages {
		if m.ID == id {
			continue
		}
		ret = append(ret, m)
	}
	n.BranchMessages = ret
}

// Validate checks the node invariants: message IDs unique across the
// combined list, and assistant role exactly on messages carrying a model ID.
func (n *Node) Validate() error {
	seen := map[conversation.MessageID]struct{}{}
	for _, m := range append(append(conversation.Conversation{}, n.InheritedMessages...), n.BranchMessages...) {
		if _, ok := seen[m.ID]; ok {
			return errors.Errorf("node %s: duplicate message id %s", n.ID, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	for _, m := range n.Messages() {
		hasModel := m.ModelID != ""
		isAssistant := m.Role == conversation.RoleAssistant
		if hasModel != isAssistant {
			return errors.Errorf("node %s: message %s role %s inconsistent with model id %q", n.ID, m.ID, m.Role, m.ModelID)
		}
	}
	return nil
}
